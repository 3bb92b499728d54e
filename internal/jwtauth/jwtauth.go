package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of bearer tokens presented to the directory.
type Config struct {
	Issuer string
	// Audiences lists every accepted audience. Empty disables the check.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Authenticator validates a bearer token and returns the user id it was
// issued to (the "sub" claim).
type Authenticator interface {
	Authenticate(ctx context.Context, tok string) (string, error)
}

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not carry the
// required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

type verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*verifier)(nil)

// NewFromDiscovery performs OIDC discovery on cfg.Issuer to locate the JWKS
// and returns an Authenticator whose keys auto-refresh.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewStatic(ctx, cfg, meta.JwksURI)
}

// NewStatic validates tokens against a fixed JWKS URI (no discovery).
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	c := withDefaults(*cfg, "RS256")

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if !algAllowed(c.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf.Keyfunc(t)
	}}, nil
}

// NewHMAC validates HS256 tokens signed with a shared secret. It is meant for
// development deployments where the directory and its clients share a key.
func NewHMAC(secret []byte, cfg *Config) (Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.AllowedAlgs = []string{"HS256"}
	c = withDefaults(c, "HS256")
	return &verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return secret, nil
	}}, nil
}

// IssueHMAC signs an HS256 token for sub that NewHMAC with the same secret
// and cfg accepts.
func IssueHMAC(secret []byte, cfg *Config, sub string, ttl time.Duration) (string, error) {
	if sub == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if cfg != nil {
		if cfg.Issuer != "" {
			claims["iss"] = cfg.Issuer
		}
		if len(cfg.Audiences) > 0 {
			claims["aud"] = cfg.Audiences[0]
		}
		if len(cfg.RequiredScopes) > 0 {
			claims["scope"] = strings.Join(cfg.RequiredScopes, " ")
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func withDefaults(c Config, alg string) Config {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{alg}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	return c
}

func algAllowed(allowed []string, alg string) bool {
	for _, a := range allowed {
		if a == alg {
			return true
		}
	}
	return false
}

func (v *verifier) Authenticate(ctx context.Context, tok string) (string, error) {
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return "", fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims type")
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return "", fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if len(v.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		for _, want := range v.cfg.RequiredScopes {
			if !have[want] {
				return "", ErrInsufficientScope
			}
		}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return sub, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
