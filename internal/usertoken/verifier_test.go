package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, c claims) string {
	t.Helper()
	now := time.Now()
	if c.Issuer == "" {
		c.Issuer = "issuer-a"
	}
	if c.Audience == nil {
		c.Audience = jwt.ClaimStrings{"aud-a"}
	}
	if c.ExpiresAt == nil {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(time.Minute))
	}
	if c.IssuedAt == nil {
		c.IssuedAt = jwt.NewNumericDate(now)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func jwksServer(t *testing.T, keys func() []map[string]string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys()})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newVerifier(t *testing.T, url string) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), Config{JWKSURL: url, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatal("expected missing jwks url to fail")
	}
}

func TestNewVerifierRejectsEmptyKeySet(t *testing.T) {
	srv := jwksServer(t, func() []map[string]string { return nil }, nil)
	if _, err := NewVerifier(context.Background(), Config{JWKSURL: srv.URL}); err == nil {
		t.Fatal("expected empty key set to fail")
	}
}

func TestVerifyPrincipalRefreshesOnUnknownKid(t *testing.T) {
	key1, key2 := generateKey(t), generateKey(t)
	var active atomic.Value
	active.Store("kid-1")
	srv := jwksServer(t, func() []map[string]string {
		if active.Load() == "kid-2" {
			return []map[string]string{toJWK("kid-2", key2.PublicKey)}
		}
		return []map[string]string{toJWK("kid-1", key1.PublicKey)}
	}, nil)
	v := newVerifier(t, srv.URL)
	ctx := context.Background()

	got, err := v.VerifyPrincipal(ctx, sign(t, key1, "kid-1", claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-a"}}))
	if err != nil || got != "user-a" {
		t.Fatalf("principal = %q, err = %v; want user-a", got, err)
	}

	active.Store("kid-2")
	v.lastRefresh = time.Time{}
	got, err = v.VerifyPrincipal(ctx, sign(t, key2, "kid-2", claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "idp-42"},
		Principal:        "aaaaa-bb",
	}))
	if err != nil || got != "aaaaa-bb" {
		t.Fatalf("principal = %q, err = %v; want aaaaa-bb", got, err)
	}
}

func TestVerifyPrincipalThrottlesRefresh(t *testing.T) {
	key := generateKey(t)
	var hits atomic.Int32
	srv := jwksServer(t, func() []map[string]string { return []map[string]string{toJWK("kid-1", key.PublicKey)} }, &hits)
	v := newVerifier(t, srv.URL)

	for i := 0; i < 3; i++ {
		_, err := v.VerifyPrincipal(context.Background(), sign(t, key, "kid-unknown", claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}))
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v, want ErrInvalidToken", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("jwks fetched %d times, want 1", n)
	}
}

func TestVerifyPrincipalRejectsBadClaims(t *testing.T) {
	key := generateKey(t)
	srv := jwksServer(t, func() []map[string]string { return []map[string]string{toJWK("kid-1", key.PublicKey)} }, nil)
	v := newVerifier(t, srv.URL)
	now := time.Now()

	cases := map[string]claims{
		"future iat":     {RegisteredClaims: jwt.RegisteredClaims{Subject: "u", IssuedAt: jwt.NewNumericDate(now.Add(2 * time.Minute))}},
		"expired":        {RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))}},
		"wrong issuer":   {RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "other"}},
		"wrong audience": {RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Audience: jwt.ClaimStrings{"other"}}},
		"no subject":     {},
	}
	for name, c := range cases {
		if _, err := v.VerifyPrincipal(context.Background(), sign(t, key, "kid-1", c)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestCacheMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                    0,
		"no-store":            0,
		"public, max-age=120": 2 * time.Minute,
		"MAX-AGE=5":           5 * time.Second,
		"max-age=abc":         0,
	}
	for header, want := range cases {
		if got := cacheMaxAge(header); got != want {
			t.Fatalf("cacheMaxAge(%q) = %v, want %v", header, got, want)
		}
	}
}
