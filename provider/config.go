package provider

import (
	"errors"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultProtocol     = "https"
	DefaultTimeout      = 10 * time.Second
	DefaultAssertionAlg = "RS256"
)

// Config configures the identity provider client.
type Config struct {
	// Domain is the tenant host, e.g. "tenant.us.auth0.com".
	Domain string `yaml:"domain" envconfig:"DOMAIN" json:"domain"`

	// ClientID is the OAuth client identifier.
	ClientID string `yaml:"client_id" envconfig:"CLIENT_ID" json:"client_id"`

	// ClientSecret authenticates the client with client_secret_post.
	ClientSecret string `yaml:"client_secret" envconfig:"CLIENT_SECRET" json:"-"`

	// ClientAssertionSigningKey is a PEM private key. When set, the client
	// authenticates with a private_key_jwt assertion instead of the secret.
	ClientAssertionSigningKey string `yaml:"client_assertion_signing_key" envconfig:"CLIENT_ASSERTION_SIGNING_KEY" json:"-"`

	// ClientAssertionSigningAlg is the JWS algorithm of the assertion.
	// Default: RS256
	ClientAssertionSigningAlg string `yaml:"client_assertion_signing_alg" envconfig:"CLIENT_ASSERTION_SIGNING_ALG" json:"client_assertion_signing_alg,omitempty"`

	// Protocol is the URL scheme. Default: https
	Protocol string `yaml:"protocol" envconfig:"PROTOCOL" json:"protocol,omitempty"`

	// Timeout bounds each HTTP call. Default: 10s
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" json:"-"`

	Breaker BreakerConfig `yaml:"breaker" json:"-"`
	Retry   RetryConfig   `yaml:"retry" json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ClientAssertionSigningKey != "" && c.ClientAssertionSigningAlg == "" {
		c.ClientAssertionSigningAlg = DefaultAssertionAlg
	}
	c.Domain = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(c.Domain, "https://"), "http://"), "/")
	return c
}

// Validate checks the required fields.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Domain) == "" {
		errs = append(errs, errors.New("provider: domain is required"))
	}
	if strings.TrimSpace(c.ClientID) == "" {
		errs = append(errs, errors.New("provider: client id is required"))
	}
	if c.ClientSecret == "" && c.ClientAssertionSigningKey == "" {
		errs = append(errs, errors.New("provider: client secret or client assertion signing key is required"))
	}
	return errors.Join(errs...)
}

// BaseURL returns the tenant URL without a trailing slash.
func (c Config) BaseURL() string {
	c = c.withDefaults()
	return c.Protocol + "://" + c.Domain
}

// Issuer returns the tenant issuer identifier, with a trailing slash.
func (c Config) Issuer() string {
	return c.BaseURL() + "/"
}

// PublicConfig returns the configuration without secrets or keys. It is
// safe to log and is used to fingerprint authorizer instances.
func (c Config) PublicConfig() map[string]any {
	c = c.withDefaults()
	pub := map[string]any{
		"domain":    c.Domain,
		"client_id": c.ClientID,
		"protocol":  c.Protocol,
	}
	if c.ClientAssertionSigningAlg != "" {
		pub["client_assertion_signing_alg"] = c.ClientAssertionSigningAlg
	}
	return pub
}
