package cycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"keysync/internal/audit"
	"keysync/internal/extsys"
	"keysync/internal/reconcile"
	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
	"keysync/pkg/sentinel"
)

const lastPollKey = sharedstore.Namespace + "feed:a:last_poll"

// Key card entity attribute names in System A.
const (
	attrHolderID        = "holderId"
	attrHolderFirstName = "holderFirstName"
	attrHolderLastName  = "holderLastName"
	attrHolderEmail     = "holderEmail"
	attrOutsiderName    = "outsiderName"
	attrOutsiderEmail   = "outsiderEmail"
	attrAddress         = "address"
	attrAccessIDs       = "securityAccessIds"
	attrValidUntil      = "validUntil"
	attrState           = "state"
)

// SystemAFeed enumerates key card entities changed in System A since the last
// committed poll. The high-water mark lives in the shared store so leadership
// can move between replicas without skipping changes, and it only advances
// through CommitCheckpoint once a batch fully reconciled: a failed cycle
// re-enumerates the same window, and the idempotent diff absorbs the replays.
type SystemAFeed struct {
	systemA extsys.SystemA
	store   sharedstore.Store
	now     func() time.Time
	pending string
}

// NewSystemAFeed constructs the feed.
func NewSystemAFeed(systemA extsys.SystemA, store sharedstore.Store) *SystemAFeed {
	return &SystemAFeed{systemA: systemA, store: store, now: time.Now}
}

func (f *SystemAFeed) ChangedEntities(ctx context.Context) ([]reconcile.ChangeEvent, error) {
	since, err := f.store.Get(ctx, lastPollKey)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "read feed high-water mark")
	}

	filter := map[string]string{}
	if since != "" {
		filter["changedSince"] = since
	}
	pollStart := f.now().UTC().Format(time.RFC3339)

	entities, err := f.systemA.QueryEntities(ctx, "keycard", filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "query changed key cards")
	}

	events := make([]reconcile.ChangeEvent, 0, len(entities))
	for _, e := range entities {
		events = append(events, toChangeEvent(e))
	}

	f.pending = pollStart
	return events, nil
}

// CommitCheckpoint advances the high-water mark to the start of the last
// enumeration. The runner calls it only after every event in the batch has
// been reconciled; until then a never-processed change stays inside the next
// poll's window.
func (f *SystemAFeed) CommitCheckpoint(ctx context.Context) error {
	if f.pending == "" {
		return nil
	}
	if err := f.store.Set(ctx, lastPollKey, f.pending, 0); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "advance feed high-water mark")
	}
	f.pending = ""
	return nil
}

// toChangeEvent builds the reconciler's working view from a key card entity.
// Every lookup is an explicit optional; a malformed record simply yields an
// unclassifiable holder, which the reconciler escalates.
func toChangeEvent(e extsys.Entity) reconcile.ChangeEvent {
	holder := reconcile.HolderRef{}
	if personID, ok := e.Attr(attrHolderID); ok {
		holder.PersonID = personID
		holder.FirstName, _ = e.Attr(attrHolderFirstName)
		holder.LastName, _ = e.Attr(attrHolderLastName)
		holder.Email, _ = e.Attr(attrHolderEmail)
	} else {
		holder.OutsiderName, _ = e.Attr(attrOutsiderName)
		holder.OutsiderEmail, _ = e.Attr(attrOutsiderEmail)
	}

	address, _ := e.Attr(attrAddress)
	state, _ := e.Attr(attrState)

	var accessRefs []string
	if raw, ok := e.Attr(attrAccessIDs); ok && raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				accessRefs = append(accessRefs, trimmed)
			}
		}
	}

	var validUntil time.Time
	if raw, ok := e.Attr(attrValidUntil); ok {
		validUntil, _ = time.Parse(time.RFC3339, raw)
	}

	return reconcile.ChangeEvent{
		Direction:        audit.DirectionAToB,
		SourceEntityID:   e.ID,
		SourceExternalID: e.ExternalID,
		Snapshot: reconcile.KeySnapshot{
			Holder:     holder,
			Address:    address,
			AccessRefs: accessRefs,
			ValidUntil: validUntil,
			State:      extsys.KeyState(state),
		},
	}
}

// MultiSource concatenates sources; direction-specific feeds are wired
// together through it.
type MultiSource []Source

func (m MultiSource) ChangedEntities(ctx context.Context) ([]reconcile.ChangeEvent, error) {
	var all []reconcile.ChangeEvent
	for _, src := range m {
		events, err := src.ChangedEntities(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

func (m MultiSource) CommitCheckpoint(ctx context.Context) error {
	for _, src := range m {
		if err := src.CommitCheckpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}
