package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the identity provider.
type Client struct {
	cfg    Config
	http   *http.Client
	signer *assertionSigner
	guard  *guard
	now    func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides the clock used for assertions and the breaker.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient validates cfg and creates a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.guard = newGuard(cfg, c.now)

	if cfg.ClientAssertionSigningKey != "" {
		signer, err := newAssertionSigner(cfg, c.now)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Issuer returns the tenant issuer identifier.
func (c *Client) Issuer() string {
	return c.cfg.Issuer()
}

// PublicConfig returns the configuration without secrets.
func (c *Client) PublicConfig() map[string]any {
	return c.cfg.PublicConfig()
}

// BreakerState returns the state of the circuit breaker.
func (c *Client) BreakerState() BreakerState {
	return c.guard.breaker.State()
}

// postForm authenticates and POSTs form to path, decoding a 2xx JSON body
// into out. Every attempt carries a fresh client assertion.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.guard.do(ctx, func(ctx context.Context) error {
		if err := c.authenticate(form); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL()+path, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("provider: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return c.send(req, out)
	})
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		perr := &Error{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(data, perr); jerr != nil || perr.Code == "" {
			perr.Description = strings.TrimSpace(string(data))
		}
		return perr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	return nil
}

// CheckHealth fetches the OpenID discovery document.
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.guard.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Issuer()+".well-known/openid-configuration", nil)
		if err != nil {
			return fmt.Errorf("provider: create request: %w", err)
		}
		var doc struct {
			Issuer string `json:"issuer"`
		}
		if err := c.send(req, &doc); err != nil {
			return err
		}
		if doc.Issuer == "" {
			return errors.New("provider: discovery document has no issuer")
		}
		return nil
	})
}
