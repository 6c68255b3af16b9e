package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-exchange-server/internal/jwtauth"
)

// TokenOption configures token validation for the bearer authenticators.
type TokenOption func(*jwtauth.Config)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) TokenOption {
	return func(c *jwtauth.Config) { c.Issuer = issuer }
}

// WithAudiences requires the aud claim to contain at least one of auds.
func WithAudiences(auds ...string) TokenOption {
	return func(c *jwtauth.Config) { c.Audiences = append([]string(nil), auds...) }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) { c.RequiredScopes = append([]string(nil), scopes...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms for key-set verifiers.
// Defaults to ["RS256"]. It has no effect on NewHS256.
func WithAllowedAlgs(algs ...string) TokenOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) TokenOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

func buildConfig(opts []TokenOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewHS256 returns an Authenticator for tokens signed with a shared secret.
func NewHS256(secret string, opts ...TokenOption) (Authenticator, error) {
	internal, err := jwtauth.NewHS256([]byte(secret), buildConfig(opts))
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewJWKS returns an Authenticator for tokens signed by keys published at
// jwksURL. The key set refreshes in the background until ctx is done.
func NewJWKS(ctx context.Context, jwksURL string, opts ...TokenOption) (Authenticator, error) {
	internal, err := jwtauth.NewJWKS(ctx, jwksURL, buildConfig(opts))
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewFromDiscovery returns an Authenticator whose key set is located through
// OpenID Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...TokenOption) (Authenticator, error) {
	cfg := buildConfig(opts)
	cfg.Issuer = issuer
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
