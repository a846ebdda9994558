package secret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider resolves secret references. Implementations are safe for
// concurrent use and never log values.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvProvider resolves "env" references from the process environment.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("secret: environment variable %s is not set", ref)
	}
	return v, nil
}

// FileProvider resolves "file" references by reading the file, as mounted
// secrets are. Relative paths are resolved against Dir. One trailing
// newline is removed.
type FileProvider struct {
	Dir string
}

func (FileProvider) Name() string { return "file" }

func (p FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) && p.Dir != "" {
		path = filepath.Join(p.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secret: read %s: %w", ref, err)
	}
	s := strings.TrimSuffix(string(data), "\n")
	return strings.TrimSuffix(s, "\r"), nil
}
