package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/assign"
	"github.com/ksiegai/abgate/internal/clientstate"
	"github.com/ksiegai/abgate/internal/config"
	"github.com/ksiegai/abgate/internal/debug"
	"github.com/ksiegai/abgate/internal/dispatch"
	"github.com/ksiegai/abgate/internal/relay"
	"github.com/ksiegai/abgate/internal/session"
	"github.com/ksiegai/abgate/internal/staticdefs"
	"github.com/ksiegai/abgate/internal/store"
	"github.com/ksiegai/abgate/internal/track"
)

// App is a Server together with the resources Run has to release.
type App struct {
	Server     *Server
	Backend    store.Backend
	Dispatcher *dispatch.Dispatcher
	Registry   *track.Registry
	Mirror     clientstate.Remote // Nil unless Redis is configured

	closers []io.Closer
}

// Build wires every component from cfg. The caller owns the result and must
// Close it.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	backend, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	app := &App{Backend: backend, closers: []io.Closer{backend}}

	var defs store.Definitions = backend
	if cfg.Static.URL != "" {
		defs = staticdefs.NewSource(cfg.Static.URL, cfg.Static.TTL, logger)
		logger.Info("serving static test definitions", zap.String("url", cfg.Static.URL))
	}

	// Without Redis cookies are the only client store. An in-process copy
	// would be keyed by session ids that a cookieless visitor never sends
	// back, so it could only grow.
	if cfg.Mirror.RedisURL != "" {
		rm, err := clientstate.NewRedisMirror(ctx, cfg.Mirror.RedisURL, "abgate:")
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to set up redis mirror: %w", err)
		}
		app.closers = append(app.closers, rm)
		app.Mirror = rm
	}

	// Forcing variants is a development tool; production never sees it.
	dbg := debug.Inert()
	if !cfg.Production() {
		dbg = debug.New(cfg.Cookies.DebugPrefix, logger)
	}

	app.Dispatcher = dispatch.New(cfg.Workers.Limit, cfg.Workers.TaskTimeout, logger)
	app.Registry = track.NewRegistry(cfg.Workers.PageViewTTL)

	engine := assign.New(backend, backend, dbg, app.Dispatcher, logger, assign.Options{
		CookiePrefix:  cfg.Cookies.Prefix,
		LookupTimeout: cfg.Workers.LookupTimeout,
	})
	tracker := track.New(track.Config{
		Definitions: defs,
		Assignments: backend,
		Events:      backend,
		Engine:      engine,
		Debug:       dbg,
		Dispatcher:  app.Dispatcher,
		Registry:    app.Registry,
		Logger:      logger,
	})
	rl := relay.New(relay.Options{
		CookiePrefix: cfg.Relay.CookiePrefix,
		CookieDomain: cfg.Cookies.Domain,
		AppSubdomain: cfg.Relay.AppSubdomain,
		DevAppPort:   cfg.Relay.DevAppPort,
		MaxAge:       cfg.Relay.MaxAge,
	}, backend, logger)

	app.Server = New(Config{
		Backend:     backend,
		Definitions: defs,
		Engine:      engine,
		Tracker:     tracker,
		Debug:       dbg,
		Relay:       rl,
		Sessions:    session.NewProvider(cfg.Cookies.SessionName, logger),
		Mirror:      app.Mirror,
		Logger:      logger,
	})

	if cfg.Auth.TokenFile != "" {
		if err := os.WriteFile(cfg.Auth.TokenFile, []byte(app.Server.Token()), 0o600); err != nil {
			logger.Warn("failed to write token file", zap.String("path", cfg.Auth.TokenFile), zap.Error(err))
		}
	}
	return app, nil
}

// Close drains background work and releases the store and mirror.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready, when
// non-nil, receives the base URL once the listener is bound.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger, ready chan<- string) error {
	app, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("closing resources failed", zap.Error(err))
		}
	}()

	// ":0" picks a free port.
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           app.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go app.Registry.Run(sweepCtx, time.Minute, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("abgate listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("environment", cfg.Environment),
			zap.Bool("debug_overrides", !cfg.Production()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
