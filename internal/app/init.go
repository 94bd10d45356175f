package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/internal/metrics"
	"github.com/nulpointcorp/slotgate/internal/proxy"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"

	authpkg "github.com/nulpointcorp/slotgate/internal/auth"
)

// initStore connects to Postgres and applies the schema. Migration is
// idempotent, so every replica can run it on boot.
func (a *App) initStore(ctx context.Context) error {
	a.log.Info("connecting to postgres")

	db, err := store.New(ctx, a.cfg.DatabaseURL, int(a.cfg.MaxConns()))
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return err
	}
	a.db = db
	a.log.Info("postgres connected", slog.Int("max_conns", int(a.cfg.MaxConns())))
	return nil
}

// initVault builds the credential vault from the configured key. The key
// itself never appears in logs.
func (a *App) initVault(_ context.Context) error {
	v, err := vault.New(a.cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	a.vault = v
	return nil
}

// initRuntime builds the upstream dispatcher and wraps it with per-attempt
// metrics.
func (a *App) initRuntime(_ context.Context) error {
	a.prom = metrics.NewRegistry()
	a.prom.SetBuildInfo(a.version, "")

	rt := upstream.NewRuntime(
		a.cfg.RuntimeMode,
		a.cfg.RuntimeStreamMode,
		a.cfg.RuntimeHTTPFallback,
		a.log,
	)
	a.runtime = metrics.InstrumentClient(rt, a.prom)
	return nil
}

// initServices builds the service layer on top of store, vault, and runtime.
func (a *App) initServices(_ context.Context) error {
	a.registry = gateway.NewRegistry(a.db, a.vault, a.runtime, a.log)
	a.slots = gateway.NewSlots(a.db, a.log)
	a.router = gateway.NewRouter(a.db, a.vault, a.runtime, a.log)
	a.prober = gateway.NewProber(a.db, a.vault, a.runtime, a.log)
	a.direct = gateway.NewDirect(a.db, a.vault, a.runtime, a.log)
	return nil
}

// initServer assembles the HTTP boundary.
func (a *App) initServer(_ context.Context) error {
	a.srv = proxy.NewServer(proxy.Deps{
		Registry:    a.registry,
		Slots:       a.slots,
		Router:      a.router,
		Prober:      a.prober,
		Direct:      a.direct,
		Verifier:    authpkg.NewVerifier(a.cfg.JWTSecret, nil),
		Metrics:     a.prom,
		Ready:       a.db.Ping,
		CORSOrigins: a.cfg.CORSOrigins,
		Log:         a.log,
	})
	return nil
}
