// Package cycle drives the polling loop. A cycle consults the leader elector
// exactly once (not per entity), enumerates changed entities from both
// directions, skips items halted by audit, and reconciles the rest with
// bounded parallelism. Parallelism across different entities is safe because
// reconciliation state is keyed per entity; the same entity never appears
// twice in one batch.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"keysync/internal/audit"
	"keysync/internal/leader"
	"keysync/internal/reconcile"
	dErrors "keysync/pkg/domainerrors"
)

const retryBackoff = 500 * time.Millisecond

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keysync_cycles_total",
		Help: "Polling cycles by outcome",
	}, []string{"outcome"})

	entitiesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keysync_entities_skipped_total",
		Help: "Entities skipped because an unresolved escalation halts them",
	})
)

// Source enumerates changed entities since the last committed cycle. Polling
// the two systems' change feeds lives behind this port. CommitCheckpoint is
// called once the whole batch reconciled; a cycle that fails before then must
// see the same changes again on the next poll.
type Source interface {
	ChangedEntities(ctx context.Context) ([]reconcile.ChangeEvent, error)
	CommitCheckpoint(ctx context.Context) error
}

// Elector is the leadership surface the runner needs. Release is only ever
// called for the route role; the pod lease always lapses by TTL.
type Elector interface {
	TryAcquire(ctx context.Context, role leader.Role, ttl time.Duration) (bool, error)
	Release(ctx context.Context, role leader.Role) error
}

// Reconciler runs one pass for one changed entity.
type Reconciler interface {
	Reconcile(ctx context.Context, ev reconcile.ChangeEvent) (reconcile.Result, error)
}

// HaltChecker reports whether an item is blocked by an unresolved escalation.
type HaltChecker interface {
	Halted(ctx context.Context, direction audit.Direction, sourceEntityID string) (bool, error)
}

// Maintainer performs the periodic hygiene sweep behind the route lease.
type Maintainer interface {
	PruneOpenItems(ctx context.Context) (int, error)
}

// Config tunes the runner.
type Config struct {
	PodLeaseTTL time.Duration
	// RouteLeaseTTL bounds the maintenance route lease.
	RouteLeaseTTL time.Duration
	// PollInterval is the cadence of Run's loop.
	PollInterval time.Duration
	// MaintenanceInterval is the cadence of RunMaintenance's loop.
	MaintenanceInterval time.Duration
	// Parallelism bounds concurrent per-entity reconciliations within a cycle.
	Parallelism int
	// MaxRedeliveries caps retries of transient faults per entity.
	MaxRedeliveries int
}

// Runner executes polling cycles while this replica holds the pod lease.
type Runner struct {
	elector    Elector
	source     Source
	reconciler Reconciler
	halts      HaltChecker
	maintainer Maintainer
	cfg        Config
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for cycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMaintainer enables the route-leased maintenance sweep.
func WithMaintainer(m Maintainer) Option {
	return func(r *Runner) {
		r.maintainer = m
	}
}

// WithSleeper substitutes the retry backoff sleeper so tests run instantly.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

// New constructs a Runner.
func New(elector Elector, source Source, reconciler Reconciler, halts HaltChecker, cfg Config, opts ...Option) (*Runner, error) {
	if elector == nil || source == nil || reconciler == nil || halts == nil {
		return nil, fmt.Errorf("elector, source, reconciler and halt checker are required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = 0
	}
	r := &Runner{
		elector:    elector,
		source:     source,
		reconciler: reconciler,
		halts:      halts,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run loops RunCycle on the poll interval until ctx is done. Transient cycle
// failures are logged and absorbed; a configuration fault stops the route.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.RunCycle(ctx); err != nil {
			if dErrors.HasCode(err, dErrors.CodeConfig) {
				if r.logger != nil {
					r.logger.ErrorContext(ctx, "configuration fault, stopping route", "error", err)
				}
				return err
			}
			if r.logger != nil {
				r.logger.ErrorContext(ctx, "cycle failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle executes one polling cycle. Non-leader replicas return immediately
// with no error. The pod lease is not renewed mid-cycle: a cycle is expected
// to finish well inside the TTL, and an overrun loses leadership — the next
// cycle's idempotent diffing absorbs any partial work.
func (r *Runner) RunCycle(ctx context.Context) error {
	acquired, err := r.elector.TryAcquire(ctx, leader.RolePod, r.cfg.PodLeaseTTL)
	if err != nil {
		cyclesTotal.WithLabelValues("lease_error").Inc()
		return err
	}
	if !acquired {
		cyclesTotal.WithLabelValues("not_leader").Inc()
		return nil
	}

	events, err := r.source.ChangedEntities(ctx)
	if err != nil {
		cyclesTotal.WithLabelValues("source_error").Inc()
		return err
	}

	// gctx gates starting new items only; in-flight reconciliations run on
	// the cycle ctx so they finish rather than abort mid-write.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)

	var haltErr error
	for _, ev := range events {
		if gctx.Err() != nil {
			break
		}

		halted, err := r.halts.Halted(ctx, ev.Direction, ev.SourceEntityID)
		if err != nil {
			// Stop feeding the batch, but still wait out the in-flight
			// items below: the same entity must never be reconciled by
			// two overlapping cycles.
			haltErr = err
			break
		}
		if halted {
			entitiesSkippedTotal.Inc()
			continue
		}

		ev := ev
		g.Go(func() error {
			return r.reconcileWithRetry(ctx, ev)
		})
	}

	waitErr := g.Wait()
	if haltErr != nil {
		cyclesTotal.WithLabelValues("halt_check_error").Inc()
		return errors.Join(haltErr, waitErr)
	}
	if waitErr != nil {
		cyclesTotal.WithLabelValues("failed").Inc()
		return waitErr
	}
	if err := r.source.CommitCheckpoint(ctx); err != nil {
		cyclesTotal.WithLabelValues("checkpoint_error").Inc()
		return err
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

// RunMaintenance loops the hygiene sweep on its own interval. It is a no-op
// when no maintainer is configured.
func (r *Runner) RunMaintenance(ctx context.Context) error {
	if r.maintainer == nil {
		return nil
	}
	ticker := time.NewTicker(r.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.runMaintenanceSweep(ctx); err != nil {
			if r.logger != nil {
				r.logger.ErrorContext(ctx, "maintenance sweep failed", "error", err)
			}
		}
	}
}

// runMaintenanceSweep takes the route lease, prunes stale audit index entries
// and releases the lease. The route lease is the one lease released explicitly
// rather than left to lapse, so another replica can sweep without waiting out
// the TTL.
func (r *Runner) runMaintenanceSweep(ctx context.Context) error {
	acquired, err := r.elector.TryAcquire(ctx, leader.RoleRoute, r.cfg.RouteLeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := r.elector.Release(ctx, leader.RoleRoute); err != nil && r.logger != nil {
			r.logger.WarnContext(ctx, "route lease release failed", "error", err)
		}
	}()

	pruned, err := r.maintainer.PruneOpenItems(ctx)
	if err != nil {
		return err
	}
	if pruned > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "pruned stale audit index entries", "count", pruned)
	}
	return nil
}

// reconcileWithRetry retries transient faults up to MaxRedeliveries; any
// other fault class surfaces immediately.
func (r *Runner) reconcileWithRetry(ctx context.Context, ev reconcile.ChangeEvent) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRedeliveries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, time.Duration(attempt)*retryBackoff); err != nil {
				return err
			}
		}

		_, err := r.reconciler.Reconcile(ctx, ev)
		if err == nil {
			return nil
		}
		if !dErrors.IsRetryable(err) {
			return err
		}
		lastErr = err
		if r.logger != nil {
			r.logger.WarnContext(ctx, "transient fault, redelivering",
				"direction", ev.Direction,
				"source_entity_id", ev.SourceEntityID,
				"attempt", attempt+1,
				"error", err,
			)
		}
	}
	return dErrors.Wrapf(lastErr, dErrors.CodeTransient, "redeliveries exhausted for entity %s", ev.SourceEntityID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
