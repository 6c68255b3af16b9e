// Package auth provides the optional bearer-token guard for the MCP endpoint
// and the administrative REST routes.
//
// An Authenticator validates a token string and returns a UserInfo (or an
// error wrapping ErrUnauthorized / ErrInsufficientScope). Three JWT-backed
// constructors are provided:
//
//   - NewHS256 verifies tokens signed with a shared secret.
//   - NewJWKS verifies tokens against a JSON Web Key Set URL.
//   - NewFromDiscovery locates the key set through OpenID Connect discovery.
//
// Middleware extracts the bearer token from the Authorization header, maps
// failures to RFC 6750 challenges and stores the principal on the request
// context for UserInfoFromContext.
//
// Example:
//
//	authn, err := auth.NewHS256(secret, auth.WithIssuer("https://issuer.example"))
//	if err != nil { log.Fatal(err) }
//	mux.Handle("/mcp", auth.Middleware(authn)(router))
package auth
