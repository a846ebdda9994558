package secret

import (
	"os"
	"slices"
	"strings"
)

// MissingEnvError lists the ${VAR} references with no environment value.
type MissingEnvError struct {
	Names []string
}

func (e *MissingEnvError) Error() string {
	return "secret: missing environment variables: " + strings.Join(e.Names, ", ")
}

// ExpandEnvStrict expands $VAR and ${VAR}. Unlike os.ExpandEnv a ${VAR}
// that is not set is an error, and $$ produces a literal $. A bare $VAR
// that is not set expands to "".
func ExpandEnvStrict(s string) (string, error) {
	const dollar = "\x00dollar\x00"
	s = strings.ReplaceAll(s, "$$", dollar)

	var missing []string
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			break
		}
		name := s[i+2 : i+end]
		if _, ok := os.LookupEnv(name); !ok && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", &MissingEnvError{Names: missing}
	}

	return strings.ReplaceAll(os.ExpandEnv(s), dollar, "$"), nil
}
