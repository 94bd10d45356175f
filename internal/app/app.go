// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — Postgres pool + schema migration
//  2. initVault    — AEAD credential vault
//  3. initRuntime  — upstream adapters, wrapped with metrics
//  4. initServices — registry, slots, router, prober, direct
//  5. initServer   — HTTP boundary
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/slotgate/internal/config"
	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/internal/metrics"
	"github.com/nulpointcorp/slotgate/internal/proxy"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	db      *store.Store
	vault   *vault.Vault
	runtime upstream.Client
	prom    *metrics.Registry

	registry *gateway.Registry
	slots    *gateway.Slots
	router   *gateway.Router
	prober   *gateway.Prober
	direct   *gateway.Direct

	srv *proxy.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"vault", a.initVault},
		{"runtime", a.initRuntime},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. The server shuts down gracefully on cancellation.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("runtime_mode", a.cfg.RuntimeMode),
		slog.String("stream_mode", a.cfg.RuntimeStreamMode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.db != nil {
			a.db.Close()
		}
	})
}
