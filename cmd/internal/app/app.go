// Package app wires the pairhub server runtime: config, logging, storage,
// metrics, the presence core and its websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"pairhub/cmd/identity"
	"pairhub/cmd/internal/auth/session"
	"pairhub/cmd/internal/presence"
	"pairhub/cmd/internal/realtime"
	"pairhub/cmd/security/token"
	v1 "pairhub/contracts/realtime/v1"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the pairhub server runtime.
type App struct {
	cfg Config
	log Logger

	store     identity.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	presence *presence.Service
	sampler  *presence.SystemInfoSampler
	ws       *realtime.WSGateway

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, st, pool)
	if err != nil {
		closeStore(st, pool)
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, st identity.Store, pool *pgxpool.Pool) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := presence.NewPromMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	sampler := presence.NewSystemInfoSampler(log, st, nil)
	svc, err := presence.NewService(log, st,
		presence.WithMetrics(metrics),
		presence.WithSystemInfo(sampler),
		presence.WithFanoutConcurrency(cfg.BroadcastConcurrency),
	)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(cfg.Auth, log)
	if err != nil {
		return nil, err
	}
	ws, err := realtime.NewWSGateway(log, svc, resolver, cfg.Gateway)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    pool,
		dbEnabled: pool != nil,
		registry:  reg,
		presence:  svc,
		sampler:   sampler,
		ws:        ws,
	}

	mux := http.NewServeMux()
	routes{
		log:       log,
		cfg:       cfg,
		dbPool:    pool,
		dbEnabled: a.dbEnabled,
		gatherer:  reg,
		ws:        ws,
	}.register(mux)
	a.handler = WithSecurityHeaders(WithRequestLogging(mux, log))
	return a, nil
}

// Handler is the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the system info sampler and blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, stopSampler := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bc := a.presence.Broadcaster()
		a.sampler.Run(runCtx, a.cfg.SystemInfoInterval, func(ctx context.Context, snap v1.SystemInfo) {
			bc.BroadcastSystemInfo(ctx, snap)
		})
	}()
	defer func() {
		stopSampler()
		wg.Wait()
	}()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.Close()
	a.log.Info("server.stopped")
	return nil
}

// Close releases storage resources.
func (a *App) Close() {
	closeStore(a.store, a.dbPool)
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

// newStore decides between the Postgres store and the in-memory dev store.
// The app owns the pool; PostgresStore.Close does not close it.
func newStore(ctx context.Context, cfg Config, log Logger) (identity.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		uids, err := devSeedUIDs(cfg.DevSeedUIDs, cfg.DevSeedCount)
		if err != nil {
			return nil, nil, err
		}
		st := identity.NewInMemoryStore()
		if err := seedDev(st, uids); err != nil {
			return nil, nil, err
		}
		log.Info("db.disabled.inmemory_store", "seed_uids", uids)
		return st, nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RunMigrations {
		if err := identity.Migrate(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}

	st, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}

// devSeedUIDs appends count generated UIDs to explicit.
func devSeedUIDs(explicit []string, count int) ([]string, error) {
	uids := slices.Clone(explicit)
	for range max(count, 0) {
		uid, err := token.NewUID()
		if err != nil {
			return nil, fmt.Errorf("app: generate seed uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// seedDev creates uids and pairs every one with every other, both directions.
func seedDev(st *identity.InMemoryStore, uids []string) error {
	for _, uid := range uids {
		if err := st.PutUser(identity.User{UID: uid}); err != nil {
			return fmt.Errorf("app: seed uid %q: %w", uid, err)
		}
	}
	for _, owner := range uids {
		for _, other := range uids {
			if owner == other {
				continue
			}
			if err := st.PutPair(identity.Pair{Owner: owner, Other: other}); err != nil {
				return fmt.Errorf("app: seed pair %s->%s: %w", owner, other, err)
			}
		}
	}
	return nil
}

func closeStore(st identity.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

// newResolver builds the handshake identity resolver. Without PASETO keys
// every session is anonymous.
func newResolver(cfg session.Config, log Logger) (*session.Resolver, error) {
	if !cfg.Enabled() {
		log.Warn("auth.disabled", "reason", "no paseto key configured")
		return session.NewResolver(nil), nil
	}
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		return nil, err
	}
	return session.NewResolver(tokens), nil
}
