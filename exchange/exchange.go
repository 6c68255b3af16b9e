// Package exchange is the boundary to the external exchange-integration
// service. It hands out call-capable Handles for an exchange id, memoizing
// unauthenticated handles and never memoizing authenticated ones.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedExchange is returned for ids outside the allow-list.
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	// ErrMissingCredentials is returned when a credential-gated call has no
	// credentials configured.
	ErrMissingCredentials = errors.New("missing credentials")
)

// Credentials authenticate calls against one exchange.
type Credentials struct {
	APIKey   string `json:"apiKey"`
	Secret   string `json:"secret"`
	Password string `json:"password,omitempty"`
}

// Complete reports whether both key and secret are present.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != ""
}

// CredentialSource resolves configured credentials by exchange id.
type CredentialSource interface {
	Credentials(exchangeID string) (Credentials, bool)
}

// StaticCredentials is a CredentialSource backed by a map. Incomplete
// entries are treated as absent.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(exchangeID string) (Credentials, bool) {
	c, ok := s[exchangeID]
	if !ok || !c.Complete() {
		return Credentials{}, false
	}
	return c, true
}

// Handle is one configured connection to one exchange.
type Handle interface {
	ExchangeID() string
	Authenticated() bool
	// Call invokes a unified exchange method (e.g. "fetchTicker") with
	// positional arguments and returns the raw JSON result.
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	Close() error
}

// Connector creates handles. When creds is nil the handle is unauthenticated.
type Connector interface {
	Connect(ctx context.Context, exchangeID string, creds *Credentials) (Handle, error)
}

// RemoteError is a failure reported by the exchange or the integration
// service while executing a call.
type RemoteError struct {
	Exchange string
	Method   string
	// Type is the integration library's error class, e.g. "BadSymbol".
	Type    string
	Message string
	// Status is the HTTP status returned by the integration service, if any.
	Status int
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Exchange, e.Method)
	if e.Type != "" {
		fmt.Fprintf(&b, " [%s]", e.Type)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// ErrorType returns the remote error class, or "ExchangeError" when the
// bridge did not report one.
func (e *RemoteError) ErrorType() string {
	if e.Type == "" {
		return "ExchangeError"
	}
	return e.Type
}

// CredentialsError reports a credential-gated operation on an exchange with
// no configured credentials. It wraps ErrMissingCredentials.
type CredentialsError struct {
	Exchange string
}

func (e *CredentialsError) Error() string {
	up := EnvPrefix(e.Exchange)
	return fmt.Sprintf("No credentials configured for %s. Please set %s_API_KEY and %s_SECRET in .env file.", e.Exchange, up, up)
}

func (e *CredentialsError) Unwrap() error { return ErrMissingCredentials }

func (e *CredentialsError) ErrorType() string { return "ConfigurationError" }

// EnvPrefix returns the environment variable prefix for an exchange id.
func EnvPrefix(exchangeID string) string {
	return strings.ToUpper(exchangeID)
}

// Normalize lower-cases and trims an exchange id.
func Normalize(exchangeID string) string {
	return strings.ToLower(strings.TrimSpace(exchangeID))
}
