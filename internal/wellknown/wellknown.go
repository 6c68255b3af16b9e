// Package wellknown serves OAuth 2.0 Protected Resource Metadata (RFC 9728)
// for the /mcp endpoint so clients can discover which issuer mints accepted
// tokens.
package wellknown

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Path is where the metadata document is served.
const Path = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// Handler serves meta. An empty Resource is derived from the request as
// <scheme>://<host>/mcp.
func Handler(meta ProtectedResourceMetadata) http.Handler {
	if len(meta.BearerMethodsSupported) == 0 {
		meta.BearerMethodsSupported = []string{"header"}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := meta
		if doc.Resource == "" {
			doc.Resource = requestOrigin(r) + "/mcp"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(doc)
	})
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + r.Host
}
