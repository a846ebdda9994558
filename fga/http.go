package fga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"
)

// Defaults of Config.
const (
	DefaultAPIURL       = "https://api.us1.fga.dev"
	DefaultTokenIssuer  = "auth.fga.dev"
	DefaultAPIAudience  = "https://api.us1.fga.dev/"
	DefaultMaxBatchSize = 50
	DefaultMaxParallel  = 10
	DefaultTimeout      = 10 * time.Second
)

// Config configures an HTTPChecker.
type Config struct {
	APIURL               string `yaml:"api_url" json:"api_url" envconfig:"API_URL"`
	StoreID              string `yaml:"store_id" json:"store_id" envconfig:"STORE_ID"`
	AuthorizationModelID string `yaml:"authorization_model_id" json:"authorization_model_id,omitempty" envconfig:"MODEL_ID"`

	// Client credentials. When ClientID is empty requests are sent
	// without authentication.
	TokenIssuer  string `yaml:"api_token_issuer" json:"api_token_issuer,omitempty" envconfig:"API_TOKEN_ISSUER"`
	APIAudience  string `yaml:"api_audience" json:"api_audience,omitempty" envconfig:"API_AUDIENCE"`
	ClientID     string `yaml:"client_id" json:"client_id,omitempty" envconfig:"CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" json:"-" envconfig:"CLIENT_SECRET"`

	// MaxBatchSize is the number of checks per batch-check request.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size,omitempty" envconfig:"MAX_BATCH_SIZE"`

	// MaxParallel bounds concurrent batch-check requests.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel,omitempty" envconfig:"MAX_PARALLEL"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty" envconfig:"TIMEOUT"`
}

// Enabled reports whether a store is configured.
func (c Config) Enabled() bool {
	return c.StoreID != ""
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.TokenIssuer == "" {
		c.TokenIssuer = DefaultTokenIssuer
	}
	if c.APIAudience == "" {
		c.APIAudience = DefaultAPIAudience
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StoreID == "" {
		return errors.New("fga: store_id is required")
	}
	if c.APIURL != "" {
		if _, err := url.ParseRequestURI(c.APIURL); err != nil {
			return fmt.Errorf("fga: invalid api_url: %w", err)
		}
	}
	if c.ClientID != "" && c.ClientSecret == "" {
		return errors.New("fga: client_secret is required with client_id")
	}
	return nil
}

func (c Config) tokenURL() string {
	issuer := c.TokenIssuer
	if !strings.Contains(issuer, "://") {
		issuer = "https://" + issuer
	}
	return strings.TrimSuffix(issuer, "/") + "/oauth/token"
}

// APIError is a non-2xx response of the API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("fga: %s: %s (status %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("fga: request failed (status %d)", e.StatusCode)
}

// HTTPChecker is a Checker for the OpenFGA HTTP API.
type HTTPChecker struct {
	cfg  Config
	http *http.Client
}

// HTTPOption configures an HTTPChecker.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	client *http.Client
}

// WithHTTPClient sets the base client. With client credentials it also
// fetches the API tokens.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(o *httpOptions) { o.client = hc }
}

// NewHTTPChecker creates an HTTPChecker.
func NewHTTPChecker(cfg Config, opts ...HTTPOption) (*HTTPChecker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := httpOptions{client: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(&o)
	}

	hc := o.client
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       cfg.tokenURL(),
			EndpointParams: url.Values{"audience": {cfg.APIAudience}},
			AuthStyle:      oauth2.AuthStyleInParams,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.client)
		hc = cc.Client(ctx)
		hc.Timeout = cfg.Timeout
	}
	return &HTTPChecker{cfg: cfg, http: hc}, nil
}

type batchItem struct {
	TupleKey      Check  `json:"tuple_key"`
	CorrelationID string `json:"correlation_id"`
}

type batchRequest struct {
	Checks               []batchItem `json:"checks"`
	AuthorizationModelID string      `json:"authorization_model_id,omitempty"`
}

type batchResponse struct {
	Result map[string]struct {
		Allowed bool      `json:"allowed"`
		Error   *APIError `json:"error,omitempty"`
	} `json:"result"`
}

type checkRequest struct {
	TupleKey             Check       `json:"tuple_key"`
	AuthorizationModelID string      `json:"authorization_model_id,omitempty"`
	Consistency          Consistency `json:"consistency,omitempty"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

// BatchCheck splits checks into batches of MaxBatchSize and sends up to
// MaxParallel of them concurrently. A check the API reports an error for
// is denied.
func (c *HTTPChecker) BatchCheck(ctx context.Context, checks []Check) ([]bool, error) {
	out := make([]bool, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)

	for start := 0; start < len(checks); start += c.cfg.MaxBatchSize {
		end := min(start+c.cfg.MaxBatchSize, len(checks))
		g.Go(func() error {
			return c.batch(gctx, checks[start:end], out[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPChecker) batch(ctx context.Context, checks []Check, out []bool) error {
	req := batchRequest{
		Checks:               make([]batchItem, len(checks)),
		AuthorizationModelID: c.cfg.AuthorizationModelID,
	}
	for i, ch := range checks {
		req.Checks[i] = batchItem{TupleKey: ch, CorrelationID: strconv.Itoa(i)}
	}

	var resp batchResponse
	if err := c.post(ctx, "batch-check", req, &resp); err != nil {
		return err
	}
	for i := range checks {
		r, ok := resp.Result[strconv.Itoa(i)]
		out[i] = ok && r.Error == nil && r.Allowed
	}
	return nil
}

// Check performs a single check.
func (c *HTTPChecker) Check(ctx context.Context, ch Check, consistency Consistency) (bool, error) {
	var resp checkResponse
	err := c.post(ctx, "check", checkRequest{
		TupleKey:             ch,
		AuthorizationModelID: c.cfg.AuthorizationModelID,
		Consistency:          consistency,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

func (c *HTTPChecker) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("fga: encode %s: %w", op, err)
	}
	endpoint := strings.TrimSuffix(c.cfg.APIURL, "/") + "/stores/" + url.PathEscape(c.cfg.StoreID) + "/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("fga: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fga: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("fga: read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("fga: decode %s response: %w", op, err)
	}
	return nil
}
