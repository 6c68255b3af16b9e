// Package statusapi serves the operational HTTP surface next to /mcp:
// service banner, health, statistics, a session-less tool runner and the
// Prometheus endpoint.
package statusapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/ggoodman/mcp-exchange-server/internal/wellknown"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
)

const maxArgumentBytes = 1 << 20

// SessionStats reports session registry counters.
type SessionStats interface {
	Stats() sessions.Stats
}

// ExchangeCache is the view of the exchange manager used here.
type ExchangeCache interface {
	Supported() []string
	CachedCount() int
	ClearCache() int
}

// Option configures the API.
type Option func(*API)

// WithServerInfo sets the name and version reported by the banner.
func WithServerInfo(name, version string) Option {
	return func(a *API) { a.name, a.version = name, version }
}

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(a *API) { a.mcp = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *API) { a.metrics = h }
}

// WithAuth guards tool execution and admin routes with mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithProtectedResource serves RFC 9728 metadata naming the token issuer.
func WithProtectedResource(meta wellknown.ProtectedResourceMetadata) Option {
	return func(a *API) { a.resourceMeta = wellknown.Handler(meta) }
}

// WithCORSOrigins sets the allowed origins. Defaults to "*".
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.origins = origins }
}

// WithMiddleware prepends mw to the router's middleware stack.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(a *API) { a.middleware = append(a.middleware, mw...) }
}

// WithClock sets the clock used for uptime.
func WithClock(c clockwork.Clock) Option {
	return func(a *API) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// API is an http.Handler.
type API struct {
	chi.Router

	name, version string
	dispatcher    *mcpservice.Dispatcher
	sessions      SessionStats
	exchanges     ExchangeCache
	mcp           http.Handler
	metrics       http.Handler
	auth          func(http.Handler) http.Handler
	resourceMeta  http.Handler
	origins       []string
	middleware    []func(http.Handler) http.Handler
	clock         clockwork.Clock
	log           *slog.Logger
	started       time.Time
}

// New builds the router.
func New(dispatcher *mcpservice.Dispatcher, stats SessionStats, exchanges ExchangeCache, opts ...Option) (*API, error) {
	if dispatcher == nil || stats == nil || exchanges == nil {
		return nil, errors.New("statusapi: dispatcher, session stats and exchange cache are required")
	}
	a := &API{
		Router:     chi.NewRouter(),
		name:       "mcp-exchange-server",
		version:    "dev",
		dispatcher: dispatcher,
		sessions:   stats,
		exchanges:  exchanges,
		origins:    []string{"*"},
		clock:      clockwork.NewRealClock(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.clock.Now()

	for _, mw := range a.middleware {
		a.Use(mw)
	}
	a.Use(middleware.RealIP)
	a.Use(middleware.Recoverer)
	a.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposedHeaders: []string{"Mcp-Session-Id", "Mcp-Protocol-Version"},
		MaxAge:         300,
	}))

	guard := a.auth
	if guard == nil {
		guard = func(h http.Handler) http.Handler { return h }
	}

	a.Get("/", a.handleBanner)
	a.Get("/health", a.handleHealth)
	a.Get("/stats", a.handleStats)
	if a.mcp != nil {
		a.Handle("/mcp", a.mcp)
	}
	if a.metrics != nil {
		a.Handle("/metrics", a.metrics)
	}
	if a.resourceMeta != nil {
		a.Method(http.MethodGet, wellknown.Path, a.resourceMeta)
	}
	a.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStats)
		r.Get("/tools", a.handleListTools)
		r.With(guard).Post("/tools/{name}", a.handleRunTool)
		r.With(guard).Post("/admin/clear-cache", a.handleClearCache)
	})
	return a, nil
}

type endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (a *API) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    a.name,
		"version": a.version,
		"endpoints": []endpoint{
			{Path: "/mcp", Method: "POST, DELETE", Description: "Model Context Protocol streamable HTTP endpoint"},
			{Path: "/health", Method: "GET", Description: "Liveness probe"},
			{Path: "/stats", Method: "GET", Description: "Server statistics"},
			{Path: "/api/status", Method: "GET", Description: "Server statistics"},
			{Path: "/api/tools", Method: "GET", Description: "List available tools"},
			{Path: "/api/tools/{name}", Method: "POST", Description: "Execute a tool with a JSON arguments body"},
			{Path: "/api/admin/clear-cache", Method: "POST", Description: "Drop cached exchange handles"},
			{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
		},
		"exchanges":     a.exchanges.Supported(),
		"uptimeSeconds": a.uptime().Seconds(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptimeSeconds":  a.uptime().Seconds(),
		"activeSessions": a.sessions.Stats().Active,
		"timestamp":      a.clock.Now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Status          string         `json:"status"`
	UptimeSeconds   float64        `json:"uptimeSeconds"`
	UptimeFormatted string         `json:"uptimeFormatted"`
	Sessions        sessions.Stats `json:"sessions"`
	Tools           toolCounts     `json:"tools"`
	Exchanges       exchangeStats  `json:"exchanges"`
	Memory          memoryStats    `json:"memory"`
	Timestamp       string         `json:"timestamp"`
}

type toolCounts struct {
	Total   int `json:"total"`
	Public  int `json:"public"`
	Private int `json:"private"`
}

type exchangeStats struct {
	Supported     []string `json:"supported"`
	CachedHandles int      `json:"cachedHandles"`
}

type memoryStats struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	HeapSysBytes   uint64 `json:"heapSysBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	Goroutines     int    `json:"goroutines"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	reg := a.dispatcher.Registry()
	public, private := reg.Counts()
	up := a.uptime()

	writeJSON(w, http.StatusOK, statusResponse{
		Status:          "running",
		UptimeSeconds:   up.Seconds(),
		UptimeFormatted: formatUptime(up),
		Sessions:        a.sessions.Stats(),
		Tools:           toolCounts{Total: reg.Len(), Public: public, Private: private},
		Exchanges:       exchangeStats{Supported: a.exchanges.Supported(), CachedHandles: a.exchanges.CachedCount()},
		Memory: memoryStats{
			HeapAllocBytes: ms.HeapAlloc,
			HeapSysBytes:   ms.HeapSys,
			SysBytes:       ms.Sys,
			Goroutines:     runtime.NumGoroutine(),
		},
		Timestamp: a.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := a.dispatcher.Registry().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(tools),
		"tools": tools,
	})
}

func (a *API) handleRunTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.dispatcher.Registry().Lookup(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": fmt.Sprintf("Tool '%s' not found", name),
			"hint":  "Use GET /api/tools to see all available tools",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArgumentBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "arguments too large"})
		return
	}
	var args json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be a JSON object"})
			return
		}
		args = body
	}

	start := a.clock.Now()
	res := a.dispatcher.Invoke(r.Context(), name, args).ToolResult()
	a.log.InfoContext(r.Context(), "statusapi.tool.run",
		slog.String("tool", name),
		slog.Bool("is_error", res.IsError),
		slog.Duration("dur", a.clock.Since(start)),
	)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := a.exchanges.ClearCache()
	a.log.InfoContext(r.Context(), "statusapi.cache.clear", slog.Int("dropped", n))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) uptime() time.Duration {
	return a.clock.Since(a.started)
}

func formatUptime(d time.Duration) string {
	s := int64(d.Seconds())
	return fmt.Sprintf("%dh %dm %ds", s/3600, (s%3600)/60, s%60)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
