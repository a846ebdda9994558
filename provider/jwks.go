package provider

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultKeyCacheTTL is how long fetched signing keys are trusted.
const DefaultKeyCacheTTL = time.Hour

// ErrKeyNotFound is returned when no signing key matches a token's kid.
var ErrKeyNotFound = errors.New("provider: signing key not found")

// IDTokenVerifier verifies ID tokens issued by the tenant against its
// published signing keys.
type IDTokenVerifier struct {
	jwksURL  string
	issuer   string
	audience string
	ttl      time.Duration
	http     *http.Client
	now      func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	backup    map[string]*rsa.PublicKey
	refreshes singleflight.Group
}

// NewIDTokenVerifier creates a verifier for tokens issued to the client.
// A ttl of zero uses DefaultKeyCacheTTL.
func (c *Client) NewIDTokenVerifier(ttl time.Duration) *IDTokenVerifier {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &IDTokenVerifier{
		jwksURL:  c.Issuer() + ".well-known/jwks.json",
		issuer:   c.Issuer(),
		audience: c.cfg.ClientID,
		ttl:      ttl,
		http:     c.http,
		now:      c.now,
		keys:     make(map[string]*rsa.PublicKey),
		backup:   make(map[string]*rsa.PublicKey),
	}
}

// Verify checks the signature, issuer, audience and expiry of raw and
// returns its claims.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("provider: verify id token: %w", err)
	}
	return claims, nil
}

func (v *IDTokenVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	fresh := v.now().Sub(v.fetchedAt) < v.ttl
	key := lookupKey(v.keys, kid)
	v.mu.RUnlock()
	if fresh && key != nil {
		return key, nil
	}

	_, err, _ := v.refreshes.Do("refresh", func() (any, error) {
		return nil, v.refresh(ctx)
	})

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key := lookupKey(v.keys, kid); key != nil {
		return key, nil
	}
	if err != nil {
		// Keys from an earlier fetch stay usable while the endpoint is down.
		if key := lookupKey(v.backup, kid); key != nil {
			return key, nil
		}
		return nil, err
	}
	return nil, ErrKeyNotFound
}

func lookupKey(keys map[string]*rsa.PublicKey, kid string) *rsa.PublicKey {
	if kid == "" {
		for _, k := range keys {
			return k
		}
		return nil
	}
	return keys[kid]
}

func (v *IDTokenVerifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch jwks: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode}
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("provider: decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := k.rsa()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now()
	for kid, k := range keys {
		v.backup[kid] = k
	}
	v.mu.Unlock()
	return nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing modulus or exponent")
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
