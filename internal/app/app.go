// Package app assembles the queue's components from configuration. Both
// the HTTP server and the worker build from here so they share one
// dispatch lock, one store and one ledger.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-queue/internal/archive"
	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/dispatch"
	"github.com/ignite/newsletter-queue/internal/pkg/distlock"
	"github.com/ignite/newsletter-queue/internal/pkg/httpretry"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/provider"
	"github.com/ignite/newsletter-queue/internal/queue/postgres"
	"github.com/ignite/newsletter-queue/internal/reconcile"
	pgrepo "github.com/ignite/newsletter-queue/internal/repository/postgres"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
	"github.com/ignite/newsletter-queue/internal/stats"
)

// DispatchLockKey names the lock every dispatch cycle runs under.
const DispatchLockKey = "nlq:dispatch"

// App holds the wired components.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Redis       *redis.Client
	Store       *postgres.Store
	Ledger      *stats.PostgresLedger
	Newsletters *newsletter.Service
	Runner      *dispatch.Runner
	Reconciler  *reconcile.Reconciler
}

// Open connects to Postgres (and Redis when configured) and builds every
// component. Call Close when done.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: db}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			// Locks fall back to Postgres advisory locks, dedup to memory.
			logger.Warn("redis unavailable, continuing without it", "error", err)
			a.Redis.Close()
			a.Redis = nil
		}
	}

	a.Store = postgres.New(db)
	a.Ledger = stats.NewPostgresLedger(db)
	repo := pgrepo.NewNewsletterRepo(db)
	a.Newsletters = newsletter.NewService(repo, a.Store, a.Ledger)

	d := dispatch.New(a.Store, provider.NewConfigSource(cfg.Provider), repo, a.Ledger, dispatch.Config{
		BatchSize:   cfg.Dispatch.BatchSize,
		RatePerHour: cfg.Dispatch.RatePerHour,
		StaleAfter:  cfg.Dispatch.StaleAfter(),
	})
	lock := distlock.NewLock(a.Redis, db, DispatchLockKey, cfg.Dispatch.LockTTL())
	a.Runner = dispatch.NewRunner(d, lock)

	a.Reconciler, err = newReconciler(ctx, cfg, a.Store, a.Ledger, a.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newReconciler(ctx context.Context, cfg *config.Config, store *postgres.Store, ledger stats.Ledger, rdb *redis.Client) (*reconcile.Reconciler, error) {
	verifiers, err := reconcile.NewVerifiers(cfg.Webhooks)
	if err != nil {
		return nil, err
	}

	var dedup reconcile.Deduper
	if rdb != nil {
		dedup = reconcile.NewRedisDeduper(rdb, cfg.Webhooks.DedupTTL())
	} else {
		dedup = reconcile.NewMemoryDeduper(cfg.Webhooks.DedupTTL())
	}
	opts := []reconcile.Option{
		reconcile.WithDeduper(dedup),
		reconcile.WithSubscriptionConfirmer(httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2)),
	}

	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, reconcile.WithArchiver(arch))
	}
	return reconcile.New(store, ledger, verifiers, opts...), nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
