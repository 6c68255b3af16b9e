// Package authtest provides an in-memory Authenticator for tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-exchange-server/auth"
)

// Static accepts a fixed set of tokens, each mapped to a user id.
type Static struct {
	Tokens map[string]string
}

// NewStatic returns a Static accepting token for userID.
func NewStatic(token, userID string) *Static {
	return &Static{Tokens: map[string]string{token: userID}}
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s.Tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return userInfo(uid), nil
}

type userInfo string

func (u userInfo) UserID() string       { return string(u) }
func (u userInfo) Claims(ref any) error { return nil }
