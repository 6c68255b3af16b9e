// Command mcp-exchange-server serves cryptocurrency exchange tools over the
// Model Context Protocol streamable HTTP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-exchange-server/auth"
	"github.com/ggoodman/mcp-exchange-server/exchange"
	"github.com/ggoodman/mcp-exchange-server/exchange/bridge"
	"github.com/ggoodman/mcp-exchange-server/internal/config"
	"github.com/ggoodman/mcp-exchange-server/internal/engine"
	"github.com/ggoodman/mcp-exchange-server/internal/logging"
	"github.com/ggoodman/mcp-exchange-server/internal/metrics"
	"github.com/ggoodman/mcp-exchange-server/internal/reaper"
	"github.com/ggoodman/mcp-exchange-server/internal/statusapi"
	"github.com/ggoodman/mcp-exchange-server/internal/wellknown"
	"github.com/ggoodman/mcp-exchange-server/mcp"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/ggoodman/mcp-exchange-server/sessions/memory"
	"github.com/ggoodman/mcp-exchange-server/sessions/redisstore"
	"github.com/ggoodman/mcp-exchange-server/stdio"
	"github.com/ggoodman/mcp-exchange-server/streaminghttp"
	"github.com/ggoodman/mcp-exchange-server/tools"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const serverName = "mcp-exchange-server"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(cfg.LogFormat, level, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server.exit.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New()

	connector, err := bridge.New(cfg.ExchangeBridgeURL, bridge.WithLogger(log))
	if err != nil {
		return err
	}
	manager, err := exchange.NewManager(connector, cfg.SupportedExchanges,
		exchange.WithCredentialSource(cfg.Credentials()),
		exchange.WithRateLimit(rate.Limit(cfg.ExchangeRateLimit), cfg.ExchangeRateBurst),
		exchange.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer manager.ClearCache()

	toolset, err := tools.New(manager, cfg.DefaultExchange, tools.WithLogger(log))
	if err != nil {
		return err
	}
	toolRegistry, err := toolset.Registry()
	if err != nil {
		return err
	}
	dispatcher := mcpservice.NewDispatcher(toolRegistry, mcpservice.WithLogger(log), mcpservice.WithObserver(m))
	serverInfo := engine.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: version})

	if cfg.Transport == config.TransportStdio {
		conn := engine.New("stdio", dispatcher, engine.WithLogger(log), serverInfo)
		if err := stdio.NewHandler(conn, stdio.WithLogger(log)).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	metadata, closeMetadata, err := newMetadataStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMetadata()

	registry, err := sessions.NewRegistry(memory.NewTransportStore(), metadata,
		engine.Factory(dispatcher, engine.WithLogger(log), serverInfo),
		sessions.WithLogger(log),
		sessions.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	routerOpts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithRequestTimeout(cfg.RequestTimeout),
		streaminghttp.WithCompatMode(cfg.SessionCompatMode),
		streaminghttp.WithMaxSessionErrors(int64(cfg.SessionMaxErrors)),
		streaminghttp.WithObserver(m),
	}
	apiOpts := []statusapi.Option{
		statusapi.WithServerInfo(serverName, version),
		statusapi.WithMetricsHandler(m.Handler()),
		statusapi.WithCORSOrigins(cfg.CORSOrigins...),
		statusapi.WithMiddleware(m.Middleware(log)),
		statusapi.WithLogger(log),
	}
	if authn != nil {
		routerOpts = append(routerOpts, streaminghttp.WithAuthenticator(authn))
		apiOpts = append(apiOpts, statusapi.WithAuth(auth.Middleware(authn, auth.WithLogger(log))))
		if cfg.AuthIssuer != "" {
			apiOpts = append(apiOpts, statusapi.WithProtectedResource(wellknown.ProtectedResourceMetadata{
				Resource:             cfg.PublicURL,
				AuthorizationServers: []string{cfg.AuthIssuer},
				ResourceName:         serverName,
			}))
		}
	}
	router, err := streaminghttp.New(registry, routerOpts...)
	if err != nil {
		return err
	}
	api, err := statusapi.New(dispatcher, registry, manager, append(apiOpts, statusapi.WithMCPHandler(router))...)
	if err != nil {
		return err
	}

	sweeper, err := reaper.New(registry, cfg.SessionIdleTimeout, cfg.SessionSweepInterval, reaper.WithLogger(log))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server.listen",
			slog.String("addr", srv.Addr),
			slog.String("version", version),
			slog.Any("exchanges", cfg.SupportedExchanges),
			slog.String("default_exchange", cfg.DefaultExchange),
			slog.Bool("compat_mode", cfg.SessionCompatMode),
			slog.Bool("auth", authn != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start()
		<-gctx.Done()
		log.Info("server.shutdown.begin")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		var errs []error
		if err := sweeper.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop reaper: %w", err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := registry.CloseAll(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		log.Info("server.shutdown.done", slog.Any("sessions", registry.Stats()))
		return errors.Join(errs...)
	})
	return g.Wait()
}

// newAuthenticator picks the bearer token mode from configuration. A nil
// Authenticator means authentication is off.
func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	var opts []auth.TokenOption
	if cfg.AuthIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.AuthIssuer))
	}
	if len(cfg.AuthAudiences) > 0 {
		opts = append(opts, auth.WithAudiences(cfg.AuthAudiences...))
	}
	switch {
	case cfg.AuthHS256Secret != "":
		return auth.NewHS256(cfg.AuthHS256Secret, opts...)
	case cfg.AuthJWKSURL != "":
		return auth.NewJWKS(ctx, cfg.AuthJWKSURL, opts...)
	case cfg.AuthIssuer != "":
		return auth.NewFromDiscovery(ctx, cfg.AuthIssuer, opts...)
	default:
		return nil, nil
	}
}

func newMetadataStore(ctx context.Context, cfg *config.Config) (sessions.MetadataStore, func(), error) {
	if cfg.RedisAddr == "" {
		return memory.NewMetadataStore(), func() {}, nil
	}
	store, err := redisstore.New(ctx, redisstore.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.SessionsKeyPrefix})
	if err != nil {
		return nil, nil, fmt.Errorf("redis metadata store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
