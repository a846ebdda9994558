package provider

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func jwksHandler(key *rsa.PrivateKey, kid string, hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIDTokenVerifier(t *testing.T) {
	key, _ := rsaPEM(t)
	var hits atomic.Int32
	c := newTestClient(t, jwksHandler(key, "k1", &hits))
	v := c.NewIDTokenVerifier(0)

	good := signIDToken(t, key, "k1", jwt.MapClaims{
		"iss": c.Issuer(),
		"aud": "client-1",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	claims, err := v.Verify(context.Background(), good)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims["sub"] != "alice" {
		t.Errorf("sub = %v", claims["sub"])
	}

	if _, err := v.Verify(context.Background(), good); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("jwks fetched %d times, want 1", hits.Load())
	}

	wrongAud := signIDToken(t, key, "k1", jwt.MapClaims{
		"iss": c.Issuer(),
		"aud": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), wrongAud); err == nil {
		t.Error("token for another audience verified")
	}

	expired := signIDToken(t, key, "k1", jwt.MapClaims{
		"iss": c.Issuer(),
		"aud": "client-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Verify(context.Background(), expired); err == nil {
		t.Error("expired token verified")
	}
}

func TestIDTokenVerifier_UnknownKid(t *testing.T) {
	key, _ := rsaPEM(t)
	var hits atomic.Int32
	c := newTestClient(t, jwksHandler(key, "k1", &hits))
	v := c.NewIDTokenVerifier(time.Hour)

	tok := signIDToken(t, key, "k2", jwt.MapClaims{
		"iss": c.Issuer(),
		"aud": "client-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err := v.Verify(context.Background(), tok)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}
