// Package config loads toolguard configuration from a YAML file, .env
// files and the environment, in that order of precedence from lowest to
// highest. Secret fields may hold ${VAR} expansions or secretref:
// references, which are resolved after loading.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/toolguard/ciba"
	"github.com/jonwraymond/toolguard/fga"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/scheduler"
	"github.com/jonwraymond/toolguard/secret"
	"github.com/jonwraymond/toolguard/store"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Scheduler modes.
const (
	SchedulerInProcess = "inprocess"
	SchedulerRemote    = "remote"
)

// Defaults.
const (
	DefaultServiceName = "toolguard"
	DefaultPrefix      = "toolguard:"
	DefaultListen      = ":8090"
	DefaultMaxTasks    = 10000
)

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the complete toolguard configuration.
type Config struct {
	Provider  provider.Config `yaml:"provider" envconfig:"AUTH0"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Scheduler SchedulerConfig `yaml:"scheduler" envconfig:"SCHEDULER"`
	CIBA      CIBAConfig      `yaml:"ciba" envconfig:"CIBA"`
	FGA       fga.Config      `yaml:"fga" envconfig:"FGA"`
	Observe   observe.Config  `yaml:"observe" envconfig:"OBSERVE"`

	// Tools registers the CIBA-protected tools. YAML only.
	Tools []ciba.Registration `yaml:"tools" ignored:"true"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Driver   string `yaml:"driver" envconfig:"DRIVER"` // memory|redis
	RedisURL string `yaml:"redis_url" envconfig:"REDIS_URL"`
	Prefix   string `yaml:"prefix" envconfig:"PREFIX"`
}

// SchedulerConfig configures both sides of the schedule service: the
// client used by authorizers (Mode, URL, APIKey) and the service itself
// (Listen, APIKeys, RunTimeout, MaxTasks, WebhookHeaders).
type SchedulerConfig struct {
	Mode         string `yaml:"mode" envconfig:"MODE"` // inprocess|remote
	URL          string `yaml:"url" envconfig:"URL"`
	APIKey       string `yaml:"api_key" envconfig:"API_KEY"`
	APIKeyHeader string `yaml:"api_key_header" envconfig:"API_KEY_HEADER"`

	Listen     string        `yaml:"listen" envconfig:"LISTEN"`
	APIKeys    []string      `yaml:"api_keys" envconfig:"API_KEYS"`
	RunTimeout time.Duration `yaml:"run_timeout" envconfig:"RUN_TIMEOUT"`
	MaxTasks   int           `yaml:"max_tasks" envconfig:"MAX_TASKS"`

	// WebhookHeaders are sent with every resume webhook.
	WebhookHeaders map[string]string `yaml:"webhook_headers" envconfig:"WEBHOOK_HEADERS"`
}

// CIBAConfig holds the authorizer defaults.
type CIBAConfig struct {
	Mode          ciba.Mode     `yaml:"mode" envconfig:"MODE"`
	RequestExpiry time.Duration `yaml:"request_expiry" envconfig:"REQUEST_EXPIRY"`
	ResumeWindow  time.Duration `yaml:"resume_window" envconfig:"RESUME_WINDOW"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverMemory, Prefix: DefaultPrefix},
		Scheduler: SchedulerConfig{
			Mode:         SchedulerInProcess,
			APIKeyHeader: scheduler.DefaultAPIKeyHeader,
			Listen:       DefaultListen,
			RunTimeout:   scheduler.DefaultRunTimeout,
			MaxTasks:     DefaultMaxTasks,
		},
		CIBA: CIBAConfig{
			Mode:          ciba.ModeInterrupt,
			RequestExpiry: ciba.DefaultRequestExpiry,
			ResumeWindow:  ciba.DefaultResumeWindow,
		},
		Observe: observe.Config{
			ServiceName: DefaultServiceName,
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
		},
	}
}

type options struct {
	envFiles []string
	secrets  *secret.Resolver
}

// Option configures Load.
type Option func(*options)

// WithEnvFiles loads files into the environment before it is read.
// Missing files are skipped. Default: ".env".
func WithEnvFiles(files ...string) Option {
	return func(o *options) {
		o.envFiles = files
	}
}

// WithSecretResolver overrides the resolver of secret fields.
// Default: secret.Default with secretref:file paths relative to the
// working directory.
func WithSecretResolver(r *secret.Resolver) Option {
	return func(o *options) {
		if r != nil {
			o.secrets = r
		}
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// .env files and environment overrides, resolves secrets and validates
// the result.
func Load(ctx context.Context, path string, opts ...Option) (Config, error) {
	o := options{envFiles: []string{".env"}, secrets: secret.Default("")}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		err = decodeYAML(f, &cfg)
		_ = f.Close()
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(o.envFiles); err != nil {
		return Config{}, err
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.resolveSecrets(ctx, o.secrets); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults without reading the
// environment or resolving secrets.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeYAML(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadEnvFiles(files []string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) resolveSecrets(ctx context.Context, r *secret.Resolver) error {
	err := r.ResolveFields(ctx, map[string]*string{
		"provider.client_secret":                &c.Provider.ClientSecret,
		"provider.client_assertion_signing_key": &c.Provider.ClientAssertionSigningKey,
		"store.redis_url":                       &c.Store.RedisURL,
		"scheduler.api_key":                     &c.Scheduler.APIKey,
		"fga.client_secret":                     &c.FGA.ClientSecret,
	})
	if err != nil {
		return err
	}
	if len(c.Scheduler.APIKeys) > 0 {
		keys, err := r.ResolveSlice(ctx, c.Scheduler.APIKeys)
		if err != nil {
			return fmt.Errorf("resolve scheduler.api_keys: %w", err)
		}
		c.Scheduler.APIKeys = keys
	}
	return nil
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Provider.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store: redis_url is required with the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}

	switch c.Scheduler.Mode {
	case SchedulerInProcess:
	case SchedulerRemote:
		if c.Scheduler.URL == "" {
			errs = append(errs, errors.New("scheduler: url is required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("scheduler: unknown mode %q", c.Scheduler.Mode))
	}

	if c.CIBA.Mode != ciba.ModeInterrupt && c.CIBA.Mode != ciba.ModeBlock {
		errs = append(errs, fmt.Errorf("ciba: unknown mode %q", c.CIBA.Mode))
	}
	if c.CIBA.RequestExpiry < 0 || c.CIBA.RequestExpiry > ciba.MaxRequestExpiry {
		errs = append(errs, fmt.Errorf("ciba: request_expiry must be between 0 and %s", ciba.MaxRequestExpiry))
	}

	if c.FGA.Enabled() {
		if err := c.FGA.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Observe.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Registry builds the registry of the configured tools.
func (c *Config) Registry() (*ciba.Registry, error) {
	return ciba.NewRegistry(c.Tools...)
}

// OpenStore opens the configured backend. The returned client is nil for
// the memory driver; otherwise the caller closes it.
func (c StoreConfig) OpenStore() (store.Store, *redis.Client, error) {
	if c.Driver != DriverRedis {
		return store.NewMemoryStore(), nil, nil
	}
	client, err := c.RedisClient()
	if err != nil {
		return nil, nil, err
	}
	return store.NewRedisStore(client, store.WithRedisPrefix(c.Prefix)), client, nil
}

// RedisClient creates a client for RedisURL.
func (c StoreConfig) RedisClient() (*redis.Client, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("config: store.redis_url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Remote creates the client of the schedule service.
func (c SchedulerConfig) Remote(opts ...scheduler.RemoteOption) (*scheduler.Remote, error) {
	if c.APIKey != "" {
		opts = append([]scheduler.RemoteOption{scheduler.WithAPIKey(c.APIKeyHeader, c.APIKey)}, opts...)
	}
	return scheduler.NewRemote(c.URL, opts...)
}

// Headers returns WebhookHeaders as an http.Header.
func (c SchedulerConfig) Headers() http.Header {
	h := make(http.Header, len(c.WebhookHeaders))
	for k, v := range c.WebhookHeaders {
		h.Set(k, v)
	}
	return h
}

// NewScheduler returns the scheduler selected by Mode. In-process tasks
// are run by runner; in remote mode the schedule service runs them and
// runner is not used.
func (c SchedulerConfig) NewScheduler(runner scheduler.Runner, opts ...scheduler.InProcessOption) (scheduler.Scheduler, error) {
	switch c.Mode {
	case SchedulerRemote:
		return c.Remote()
	case SchedulerInProcess, "":
		opts = append([]scheduler.InProcessOption{scheduler.WithRunTimeout(c.RunTimeout)}, opts...)
		return scheduler.NewInProcess(runner, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheduler mode %q", ErrInvalidConfig, c.Mode)
	}
}
