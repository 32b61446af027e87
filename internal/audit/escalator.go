// Package audit records and deduplicates unrecoverable reconciliation
// failures. Escalating halts automatic processing of the implicated item only;
// sibling items continue. Resuming is a deliberate operator action: the
// in-progress guard has no TTL and is cleared through the admin surface after
// the conflicting data has been fixed upstream.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
)

const (
	guardKeyPrefix  = sharedstore.Namespace + "audit:guard:"
	openItemsSetKey = sharedstore.Namespace + "audit:open"
)

var escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keysync_audit_escalations_total",
	Help: "Audit escalations by direction and dedupe outcome",
}, []string{"direction", "outcome"})

// Escalator records exceptions behind a per-item in-progress guard in the
// shared store, so redelivered failures for the same item produce exactly one
// record.
type Escalator struct {
	shared sharedstore.Store
	store  Store
	logger *slog.Logger
}

// Option configures an Escalator.
type Option func(*Escalator)

// WithLogger sets the logger for escalation events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Escalator) {
		e.logger = logger
	}
}

// New constructs an Escalator.
func New(shared sharedstore.Store, store Store, opts ...Option) (*Escalator, error) {
	if shared == nil {
		return nil, fmt.Errorf("shared store is required")
	}
	if store == nil {
		return nil, fmt.Errorf("exception store is required")
	}
	e := &Escalator{shared: shared, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Escalate records one exception for the implicated item. When the in-progress
// guard for the item already exists the call is a no-op, which makes retried
// deliveries of the same failure idempotent. The guard is written with no TTL:
// clearing it is an operator action, never automatic.
func (e *Escalator) Escalate(ctx context.Context, esc Escalation) error {
	if !esc.Direction.Valid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid escalation direction %q", esc.Direction)
	}
	if esc.SourceEntityID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "escalation requires a source entity id")
	}

	item := itemKey(esc.Direction, esc.SourceEntityID)
	created, err := e.shared.SetIfAbsent(ctx, guardKeyPrefix+item, "1", 0)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "set audit guard")
	}
	if !created {
		escalationsTotal.WithLabelValues(string(esc.Direction), "deduped").Inc()
		return nil
	}

	rec := ExceptionRecord{
		ID:               uuid.New().String(),
		Timestamp:        time.Now().UTC(),
		Direction:        esc.Direction,
		SourceEntityID:   esc.SourceEntityID,
		SourceExternalID: esc.SourceExternalID,
		CounterpartID:    esc.CounterpartID,
		Message:          esc.Message,
	}
	if err := e.store.Append(ctx, rec); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "persist audit exception")
	}
	if err := e.shared.SAdd(ctx, openItemsSetKey, item); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "index open audit item")
	}

	escalationsTotal.WithLabelValues(string(esc.Direction), "recorded").Inc()
	if e.logger != nil {
		e.logger.WarnContext(ctx, "reconciliation escalated",
			"exception_id", rec.ID,
			"direction", rec.Direction,
			"source_entity_id", rec.SourceEntityID,
			"counterpart_id", rec.CounterpartID,
			"message", rec.Message,
		)
	}
	return nil
}

// Halted reports whether the item is currently blocked by an unresolved
// escalation. Cycles consult this before reconciling so halted items are
// skipped cheaply.
func (e *Escalator) Halted(ctx context.Context, direction Direction, sourceEntityID string) (bool, error) {
	halted, err := e.shared.Exists(ctx, guardKeyPrefix+itemKey(direction, sourceEntityID))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeTransient, "check audit guard")
	}
	return halted, nil
}

// Clear removes the in-progress guard for an item, resuming automatic
// reconciliation. Exposed only through the operator surface.
func (e *Escalator) Clear(ctx context.Context, direction Direction, sourceEntityID string) error {
	item := itemKey(direction, sourceEntityID)
	if err := e.shared.Del(ctx, guardKeyPrefix+item); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "clear audit guard")
	}
	if err := e.shared.SRem(ctx, openItemsSetKey, item); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "deindex audit item")
	}
	if e.logger != nil {
		e.logger.InfoContext(ctx, "audit guard cleared",
			"direction", direction,
			"source_entity_id", sourceEntityID,
		)
	}
	return nil
}

// OpenItems lists the currently halted items as "<direction>:<entity id>".
func (e *Escalator) OpenItems(ctx context.Context) ([]string, error) {
	items, err := e.shared.SMembers(ctx, openItemsSetKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "list open audit items")
	}
	return items, nil
}

// PruneOpenItems drops open-items index entries whose guard key has vanished
// (e.g. cleared directly in the store). Returns how many entries were pruned.
func (e *Escalator) PruneOpenItems(ctx context.Context) (int, error) {
	items, err := e.shared.SMembers(ctx, openItemsSetKey)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeTransient, "list open audit items")
	}
	pruned := 0
	for _, item := range items {
		exists, err := e.shared.Exists(ctx, guardKeyPrefix+item)
		if err != nil {
			return pruned, dErrors.Wrap(err, dErrors.CodeTransient, "check audit guard")
		}
		if exists {
			continue
		}
		if err := e.shared.SRem(ctx, openItemsSetKey, item); err != nil {
			return pruned, dErrors.Wrap(err, dErrors.CodeTransient, "deindex audit item")
		}
		pruned++
	}
	return pruned, nil
}

func itemKey(direction Direction, sourceEntityID string) string {
	return string(direction) + ":" + sharedstore.SanitizeSegment(sourceEntityID)
}
