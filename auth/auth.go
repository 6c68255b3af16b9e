package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized means the token is missing, malformed, expired or signed
	// by an unknown key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientScope means the token verified but lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is the principal behind a verified token. The user id becomes the
// session's user_id in logs.
type UserInfo interface {
	UserID() string
	// Claims decodes the token's claim set into ref.
	Claims(ref any) error
}

// Authenticator verifies bearer tokens presented to /mcp and the guarded REST
// routes.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfoKey struct{}

// WithUserInfo returns a context carrying ui.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey{}, ui)
}

// UserInfoFromContext returns the principal stored by Middleware, if any.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return ui, ok
}
