package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{aud}
	cfg.Leeway = time.Second
	return cfg
}

func TestDiscovery_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	aud := "sessionsync"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, baseConfig(idp.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signToken(t, pk, kid, jwt.MapClaims{
		"iss": idp.issuer,
		"sub": "user-123",
		"aud": []string{"other", aud},
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	sub, err := a.Authenticate(ctx, tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sub != "user-123" {
		t.Fatalf("sub = %q, want user-123", sub)
	}
}

func TestStatic_Rejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := baseConfig(idp.issuer, "sessionsync")
	cfg.RequiredScopes = []string{"sessions:write"}
	a, err := NewStatic(ctx, cfg, idp.issuer+idp.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   idp.issuer,
			"sub":   "user-123",
			"aud":   "sessionsync",
			"exp":   now.Add(time.Hour).Unix(),
			"scope": "sessions:read sessions:write",
		}
	}
	if _, err := a.Authenticate(ctx, signToken(t, pk, kid, valid())); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c jwt.MapClaims)
		want   error
	}{
		{"issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, ErrUnauthorized},
		{"audience", func(c jwt.MapClaims) { c["aud"] = "unknown" }, ErrUnauthorized},
		{"expired", func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Hour).Unix() }, ErrUnauthorized},
		{"no exp", func(c jwt.MapClaims) { delete(c, "exp") }, ErrUnauthorized},
		{"no sub", func(c jwt.MapClaims) { delete(c, "sub") }, ErrUnauthorized},
		{"scope", func(c jwt.MapClaims) { c["scope"] = "sessions:read" }, ErrInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			_, err := a.Authenticate(ctx, signToken(t, pk, kid, c))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHMAC_IssueAndVerify(t *testing.T) {
	secret := []byte("shared-secret")
	cfg := &Config{Issuer: "sessiond", Audiences: []string{"sessionsync"}}
	a, err := NewHMAC(secret, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := IssueHMAC(secret, cfg, "alice", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sub, err := a.Authenticate(context.Background(), tok)
	if err != nil || sub != "alice" {
		t.Fatalf("Authenticate = %q, %v", sub, err)
	}

	other, _ := IssueHMAC([]byte("wrong"), cfg, "alice", time.Minute)
	if _, err := a.Authenticate(context.Background(), other); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret err = %v", err)
	}
	if _, err := a.Authenticate(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token err = %v", err)
	}
}
