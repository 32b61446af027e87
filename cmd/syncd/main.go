package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"keysync/internal/audit"
	"keysync/internal/customer"
	"keysync/internal/cycle"
	"keysync/internal/extsys/systema"
	"keysync/internal/extsys/systemb"
	"keysync/internal/identity"
	"keysync/internal/leader"
	"keysync/internal/platform/config"
	"keysync/internal/platform/httpserver"
	"keysync/internal/platform/logger"
	platformredis "keysync/internal/platform/redis"
	"keysync/internal/reconcile"
	"keysync/internal/sharedstore"
	httptransport "keysync/internal/transport/http"
)

// main wires the sync daemon: shared store, leadership, identity mapping,
// reconciliation and the operator HTTP surface. Business logic lives in the
// internal packages; this stays assembly only.
func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)

	if err := run(cfg, log); err != nil {
		log.Error("syncd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	defer rc.Close()
	shared := sharedstore.NewRedisStore(rc.Client)

	customers, err := customer.Load(cfg.CustomerConfigPath, shared)
	if err != nil {
		return err
	}

	exceptions, closeExceptions, err := newExceptionStore(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer closeExceptions()

	escalator, err := audit.New(shared, exceptions, audit.WithLogger(log))
	if err != nil {
		return err
	}

	systemA, err := systema.New(cfg.SystemA)
	if err != nil {
		return err
	}
	systemB, err := systemb.New(cfg.SystemB)
	if err != nil {
		return err
	}

	identities, err := identity.New(shared, systemA, systemB, cfg.AmbiguityGuardTTL, identity.WithLogger(log))
	if err != nil {
		return err
	}

	reconciler, err := reconcile.New(identities, customers, escalator,
		reconcile.NewPrevStateCache(shared), systemA, systemB, reconcile.WithLogger(log))
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	elector, err := leader.New(shared, cfg.Environment, hostname+"-"+uuid.NewString(), leader.WithLogger(log))
	if err != nil {
		return err
	}

	runner, err := cycle.New(elector, cycle.NewSystemAFeed(systemA, shared), reconciler, escalator,
		cycle.Config{
			PodLeaseTTL:         cfg.PodLeaseTTL,
			RouteLeaseTTL:       cfg.RouteLeaseTTL,
			PollInterval:        cfg.PollInterval,
			MaintenanceInterval: cfg.MaintenanceInterval,
			Parallelism:         cfg.CycleParallelism,
			MaxRedeliveries:     cfg.MaxRedeliveries,
		},
		cycle.WithLogger(log),
		cycle.WithMaintainer(escalator),
	)
	if err != nil {
		return err
	}

	handler := httptransport.New(rc, escalator, exceptions, elector, customers, log)
	srv := httpserver.New(cfg.AdminAddr, httptransport.NewRouter(handler))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		// A configuration fault stops the route; everything else is retried
		// inside the runner.
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := runner.RunMaintenance(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	log.Info("syncd started",
		"admin_addr", cfg.AdminAddr,
		"environment", cfg.Environment,
		"poll_interval", cfg.PollInterval.String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	return runErr
}

// newExceptionStore selects the durable Postgres exception store when a DSN is
// configured and falls back to the in-memory store otherwise.
func newExceptionStore(ctx context.Context, cfg config.PostgresConfig) (audit.Store, func(), error) {
	if cfg.DSN == "" {
		return audit.NewInMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	store := audit.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}
