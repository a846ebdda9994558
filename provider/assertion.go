package provider

import (
	"crypto"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionSigner builds private_key_jwt client assertions.
type assertionSigner struct {
	method   jwt.SigningMethod
	key      crypto.PrivateKey
	clientID string
	audience string
	now      func() time.Time
}

func newAssertionSigner(cfg Config, now func() time.Time) (*assertionSigner, error) {
	method := jwt.GetSigningMethod(cfg.ClientAssertionSigningAlg)
	if method == nil {
		return nil, fmt.Errorf("provider: unsupported client assertion algorithm %q", cfg.ClientAssertionSigningAlg)
	}

	pem := []byte(cfg.ClientAssertionSigningKey)
	var (
		key crypto.PrivateKey
		err error
	)
	switch alg := cfg.ClientAssertionSigningAlg; {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pem)
	case strings.HasPrefix(alg, "ES"):
		key, err = jwt.ParseECPrivateKeyFromPEM(pem)
	case alg == "EdDSA":
		key, err = jwt.ParseEdPrivateKeyFromPEM(pem)
	default:
		err = fmt.Errorf("unsupported algorithm %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: parse client assertion signing key: %w", err)
	}

	return &assertionSigner{
		method:   method,
		key:      key,
		clientID: cfg.ClientID,
		audience: cfg.Issuer(),
		now:      now,
	}, nil
}

func (s *assertionSigner) sign() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("provider: sign client assertion: %w", err)
	}
	return signed, nil
}

// authenticate adds client authentication parameters to form.
func (c *Client) authenticate(form url.Values) error {
	form.Set("client_id", c.cfg.ClientID)
	if c.signer != nil {
		assertion, err := c.signer.sign()
		if err != nil {
			return err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
		return nil
	}
	form.Set("client_secret", c.cfg.ClientSecret)
	return nil
}
