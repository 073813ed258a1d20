// Package jwt authenticates requests carrying an HMAC-signed JSON Web
// Token, as issued by a login proxy sharing a secret with the server.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/datachat/pkg/auth"
)

// Config holds the JWT authenticator configuration.
type Config struct {
	// Secret is the HMAC key tokens are signed with.
	Secret string

	// Issuer and Audience are validated when set.
	Issuer   string
	Audience string

	// UserClaim names the claim used as subject. Default: "sub".
	UserClaim string

	// TierClaim names the claim holding the service tier. Default: "tier".
	TierClaim string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
}

// Authenticator validates HS256/HS384/HS512 bearer tokens.
type Authenticator struct {
	config Config
	key    []byte
}

// New creates an authenticator. The secret must not be empty.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret is required")
	}
	cfg.applyDefaults()
	return &Authenticator{config: cfg, key: []byte(cfg.Secret)}, nil
}

// Authenticate abstains without a bearer token and votes No for tokens
// that fail verification or lack a subject.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenStr == "" {
		return auth.AuthResult{Decision: auth.No, Err: errors.New("empty bearer token")}
	}

	claims := jwtlib.MapClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(*jwtlib.Token) (any, error) {
		return a.key, nil
	}, a.parserOptions()...)
	if err != nil || !token.Valid {
		slog.Debug("JWT validation failed", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}

	subject := claimString(claims, a.config.UserClaim)
	if subject == "" {
		return auth.AuthResult{
			Decision: auth.No,
			Err:      fmt.Errorf("JWT missing %q claim", a.config.UserClaim),
		}
	}

	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject:     subject,
			ServiceTier: claimString(claims, a.config.TierClaim),
		},
	}
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwtlib.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.config.Audience))
	}
	if a.config.Leeway > 0 {
		opts = append(opts, jwtlib.WithLeeway(a.config.Leeway))
	}
	return opts
}

// claimString returns a string claim, or "" when missing or not a string.
func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
