package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	bearerPrefix          = "Bearer "
)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middleware)

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute.
func WithRealm(realm string) MiddlewareOption {
	return func(m *middleware) { m.realm = strings.TrimSpace(realm) }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.log = l }
}

type middleware struct {
	authn Authenticator
	realm string
	log   *slog.Logger
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated principal on the request context. Missing credentials answer
// 401 with a bare challenge, malformed headers 400, invalid tokens 401
// invalid_token and insufficient scope 403.
func Middleware(authn Authenticator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{authn: authn, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(m)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ui := m.check(r.Context(), r, w)
			if ui == nil {
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserInfo(r.Context(), ui)))
		})
	}
}

func (m *middleware) check(ctx context.Context, r *http.Request, w http.ResponseWriter) UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 section 3.1: no error code when credentials are absent.
		m.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		m.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		m.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := m.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrInsufficientScope) {
			m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, map[string]string{"error": "insufficient_scope", "error_description": "insufficient scope"}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, map[string]string{"error": "invalid_token", "error_description": "invalid token"}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		m.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// BearerChallenge builds a WWW-Authenticate value of the form
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Known parameters keep a fixed order; the rest
// follow in map order.
func BearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	for k, v := range params {
		if k == "error" || k == "error_description" || k == "scope" {
			continue
		}
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
