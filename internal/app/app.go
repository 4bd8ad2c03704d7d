// Package app wires the Courtside chat runtime: config, logging, metrics,
// the conversation store, the REST surface, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"courtside/internal/auth"
	"courtside/internal/chat"
	"courtside/internal/chatapi"
	"courtside/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Courtside server runtime: it owns HTTP wiring and the
// realtime gateway's dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws      *realtime.Gateway
	api     *chatapi.Handler
	metrics *Metrics
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	verifier, err := auth.NewHS256Verifier(cfg.TokenSecret)
	if err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, convStore, dir, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	var gwMetrics realtime.Metrics
	if cfg.MetricsEnabled {
		metrics = NewMetrics()
		gwMetrics = metrics
	}

	registry := realtime.NewRegistry(log)
	ws := realtime.NewGateway(log, registry, convStore, verifier, gwMetrics)

	api := chatapi.NewHandler(log, convStore, dir, verifier, ws)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ws:        ws,
		api:       api,
		metrics:   metrics,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api, a.metrics)

	// No Read/WriteTimeout: they would apply their deadlines to hijacked
	// WebSocket connections too. Idle and header timeouts still bound abuse.
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log, a.metrics),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

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

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newStore decides between Postgres-backed persistence and the in-memory dev
// store. The directory is only available in DB mode; without it the REST
// surface skips peer enrichment.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.Store, chat.Directory, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	convStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	dir, err := chat.NewPostgresDirectory(pool, cfg.DBSchema, "users")
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, convStore: convStore}, pool, true, convStore, dir, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	convStore chat.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.convStore != nil {
		_ = s.convStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
