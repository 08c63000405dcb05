// Package app wires the beacon server runtime: config, logging, storage,
// the push gateway, the collaborator API and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"beacon/cmd/internal/auth"
	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/notify"
	"beacon/cmd/internal/offline"
	"beacon/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the beacon server runtime. It owns the DB pool, the offline store
// and every long-lived goroutine it starts.
type App struct {
	cfg     Config
	pushCfg realtime.Config
	log     Logger

	dbPool  *pgxpool.Pool
	store   offline.Store
	sweeper *offline.Sweeper
	metrics *metrics.Collectors

	reg    *realtime.Registry
	disp   *realtime.Dispatcher
	ws     *realtime.WSGateway
	notify *notify.Handler

	ready atomic.Bool
}

// Option overrides a dependency New would otherwise build from the environment.
type Option func(*options)

type options struct {
	pushCfg  *realtime.Config
	verifier realtime.Verifier
	getenv   func(string) string
}

// WithPushConfig skips BEACON_PUSH_CONFIG and the push env overrides.
func WithPushConfig(c realtime.Config) Option {
	return func(o *options) { o.pushCfg = &c }
}

// WithVerifier replaces the JWT verifier built from BEACON_AUTH_JWT_*.
func WithVerifier(v realtime.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// New constructs a fully wired App from config.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	o := options{getenv: os.Getenv}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var pushCfg realtime.Config
	if o.pushCfg != nil {
		pushCfg = *o.pushCfg
		if err := pushCfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		c, err := realtime.LoadConfig(cfg.PushConfigPath, o.getenv)
		if err != nil {
			return nil, err
		}
		pushCfg = c
	}

	verifier := o.verifier
	if verifier == nil && pushCfg.AuthRequired {
		acfg, err := auth.LoadConfig(o.getenv)
		if err != nil {
			return nil, fmt.Errorf("auth required: %w", err)
		}
		mgr, err := auth.NewJWTManager(acfg)
		if err != nil {
			return nil, err
		}
		verifier = mgr
	}

	m := metrics.New()

	a := &App{cfg: cfg, pushCfg: pushCfg, log: log, metrics: m}
	if err := a.openStore(context.Background()); err != nil {
		return nil, err
	}

	a.reg = realtime.NewRegistry(log, realtime.WithRegistryMetrics(m))
	a.disp = realtime.NewDispatcher(log, a.reg, a.store,
		realtime.WithBackpressureStrikes(pushCfg.BackpressureStrikes),
		realtime.WithReceiptTTL(pushCfg.ReceiptTTL),
		realtime.WithDispatcherMetrics(m),
	)
	a.ws = realtime.NewWSGateway(log, pushCfg, a.reg, a.disp, verifier)

	svc, err := notify.NewService(log, a.disp)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.notify = notify.NewHandler(log, svc, cfg.NotifyAPIKey)

	if pushCfg.OfflineEnabled {
		a.sweeper = offline.NewSweeper(log, a.store, pushCfg.PurgeInterval)
		a.sweeper.OnSweep = m.Swept
	}

	a.ready.Store(true)
	return a, nil
}

// openStore picks Postgres when a database is configured, memory otherwise.
func (a *App) openStore(ctx context.Context) error {
	ocfg := a.pushCfg.Offline()

	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.memory_store")
		a.store = offline.NewMemoryStore(ocfg, offline.WithEvictionHook(a.metrics.Evicted))
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	st, err := offline.NewPostgresStore(pool, ocfg,
		offline.WithSchema(a.cfg.DBSchema),
		offline.WithPostgresEvictionHook(a.metrics.Evicted),
		offline.WithPostgresLogger(a.log),
	)
	if err != nil {
		pool.Close()
		return err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.dbPool, a.store = pool, st
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(WithSecurityHeaders(WithRecover(mux, a.log)), a.log)
}

// Run serves HTTP until ctx is cancelled, then shuts down in order: stop
// readiness, close push connections (going away), drain HTTP, stop the
// sweeper, close storage.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	if a.sweeper != nil {
		if err := a.sweeper.Start(); err != nil {
			a.closeStore()
			return err
		}
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"auth_required", a.pushCfg.AuthRequired,
		"offline_enabled", a.pushCfg.OfflineEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	if err := a.shutdown(srv); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	a.ready.Store(false)

	var firstErr error
	if err := a.ws.Shutdown(ctx); err != nil {
		a.log.Error("ws.shutdown.fail", "err", err)
		firstErr = err
	}
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if a.sweeper != nil {
		a.sweeper.Stop(ctx)
	}
	a.closeStore()

	a.log.Info("server.stopped")
	return firstErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
