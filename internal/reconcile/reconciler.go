// Package reconcile decides, for each changed key, whether the counterpart
// system needs a create, an update, or nothing. The decision pipeline is
// fixed: resolve the holder identity, translate security accesses, diff
// against the previously recorded state, then act. Irreconcilable state is
// escalated to audit instead of raised; configuration misses abort the pass.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"keysync/internal/audit"
	"keysync/internal/customer"
	"keysync/internal/extsys"
	"keysync/internal/identity"
	dErrors "keysync/pkg/domainerrors"
)

// New keys are issued valid for one year; updates preserve the existing
// expiry as-is.
const keyValidity = 365 * 24 * time.Hour

const (
	entityTypeKeyCard = "keycard"
	entityTypePerson  = "person"

	attrFirstName     = "firstName"
	attrLastName      = "lastName"
	attrEmail         = "email"
	attrHolderID      = "holderId"
	attrOutsiderName  = "outsiderName"
	attrOutsiderEmail = "outsiderEmail"
	attrAddress       = "address"
	attrAccessIDs     = "securityAccessIds"
	attrValidUntil    = "validUntil"
	attrState         = "state"
)

var passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keysync_reconcile_passes_total",
	Help: "Reconciliation passes by direction and terminal action",
}, []string{"direction", "action"})

// IdentityCache is the identity resolution surface the reconciler needs.
type IdentityCache interface {
	Resolve(ctx context.Context, systemBPersonID string) (identity.Resolution, error)
	ResolveOutsider(ctx context.Context, email, name string) (identity.Resolution, error)
	StoreLink(ctx context.Context, link identity.Link) (identity.Link, error)
}

// CustomerResolver provides the active customer context.
type CustomerResolver interface {
	Current(ctx context.Context) (customer.Customer, error)
}

// EscalationSink records irreconcilable conditions.
type EscalationSink interface {
	Escalate(ctx context.Context, esc audit.Escalation) error
}

// Reconciler is the per-key-change state machine:
// Start → HolderResolved → AccessResolved → Diffed →
// {Create | Update | NoOp | Escalate} → Done.
type Reconciler struct {
	identity  IdentityCache
	customers CustomerResolver
	escalator EscalationSink
	prev      *PrevStateCache
	systemA   extsys.SystemA
	systemB   extsys.SystemB
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger for pass outcomes.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithClock substitutes the time source used for new key expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New constructs a Reconciler.
func New(identityCache IdentityCache, customers CustomerResolver, escalator EscalationSink,
	prev *PrevStateCache, systemA extsys.SystemA, systemB extsys.SystemB, opts ...Option) (*Reconciler, error) {
	if identityCache == nil || customers == nil || escalator == nil || prev == nil {
		return nil, fmt.Errorf("identity cache, customer resolver, escalator and previous-state cache are required")
	}
	if systemA == nil || systemB == nil {
		return nil, fmt.Errorf("system A and system B clients are required")
	}
	r := &Reconciler{
		identity:  identityCache,
		customers: customers,
		escalator: escalator,
		prev:      prev,
		systemA:   systemA,
		systemB:   systemB,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reconcile runs one pass for a changed key. The returned error is either a
// transient infrastructure fault (retryable by the cycle) or a configuration
// fault (fatal for the route); ambiguity never surfaces as an error — it is
// recorded through the escalation sink and reported as ActionEscalated.
func (r *Reconciler) Reconcile(ctx context.Context, ev ChangeEvent) (Result, error) {
	if !ev.Direction.Valid() {
		return Result{}, dErrors.Newf(dErrors.CodeInvalidInput, "invalid direction %q", ev.Direction)
	}
	if ev.SourceEntityID == "" {
		return Result{}, dErrors.New(dErrors.CodeInvalidInput, "change event requires a source entity id")
	}

	result, err := r.reconcile(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	passesTotal.WithLabelValues(string(ev.Direction), string(result.Action)).Inc()
	if r.logger != nil {
		r.logger.InfoContext(ctx, "reconciliation pass finished",
			"direction", ev.Direction,
			"source_entity_id", ev.SourceEntityID,
			"action", result.Action,
			"counterpart_id", result.CounterpartID,
			"accesses_added", len(result.Diff.Added),
			"accesses_removed", len(result.Diff.Removed),
		)
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, ev ChangeEvent) (Result, error) {
	// HolderResolved
	link, escalated, err := r.resolveHolder(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if escalated {
		return Result{Action: ActionEscalated}, nil
	}

	// AccessResolved
	cust, err := r.customers.Current(ctx)
	if err != nil {
		return Result{}, err
	}
	accessIDs, err := r.resolveAccesses(cust, ev)
	if err != nil {
		return Result{}, err
	}

	// Diffed
	prev, found, err := r.prev.Load(ctx, ev.Direction, ev.SourceEntityID)
	if err != nil {
		return Result{}, err
	}
	diff := DiffAccessSets(prev.AccessIDs, accessIDs)

	if !found {
		return r.create(ctx, ev, cust, link, accessIDs, diff)
	}
	if diff.Empty() {
		return Result{Action: ActionNoOp, CounterpartID: prev.CounterpartID, Diff: diff}, nil
	}
	return r.update(ctx, ev, prev, accessIDs, diff)
}

// resolveHolder runs the HolderResolved step. escalated=true means the pass
// terminated in Escalate and no link is available.
func (r *Reconciler) resolveHolder(ctx context.Context, ev ChangeEvent) (identity.Link, bool, error) {
	holder := ev.Snapshot.Holder
	if !holder.Classified() {
		return identity.Link{}, true, r.escalate(ctx, ev, "",
			"key holder is neither a named person reference nor an outsider with name and email")
	}

	var (
		res identity.Resolution
		err error
	)
	if holder.Named() {
		res, err = r.identity.Resolve(ctx, holder.PersonID)
	} else {
		res, err = r.identity.ResolveOutsider(ctx, holder.OutsiderEmail, holder.OutsiderName)
	}
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeAmbiguous) {
			return identity.Link{}, true, r.escalate(ctx, ev, "", err.Error())
		}
		return identity.Link{}, false, err
	}

	switch res.Outcome {
	case identity.OutcomeLinked:
		return res.Link, false, nil
	case identity.OutcomeAmbiguous:
		return identity.Link{}, true, r.escalate(ctx, ev, "",
			"more than one identity match for key holder; automatic matching refuses to guess")
	case identity.OutcomeUnmapped:
		link, err := r.createCounterpartPerson(ctx, ev, holder)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeRemoteRejected) {
				return identity.Link{}, true, r.escalate(ctx, ev, "",
					fmt.Sprintf("counterpart person creation rejected: %v", err))
			}
			return identity.Link{}, false, err
		}
		return link, false, nil
	default:
		return identity.Link{}, false, dErrors.Newf(dErrors.CodeInternal, "unknown resolution outcome %q", res.Outcome)
	}
}

// createCounterpartPerson handles the Unmapped sub-flow: the counterpart
// person is created before the key pass continues, and the fresh link is
// persisted for every later resolution.
func (r *Reconciler) createCounterpartPerson(ctx context.Context, ev ChangeEvent, holder HolderRef) (identity.Link, error) {
	if holder.Named() {
		aID, err := r.systemA.CreateEntity(ctx, entityTypePerson, map[string]string{
			attrFirstName: holder.FirstName,
			attrLastName:  holder.LastName,
			attrEmail:     holder.Email,
		})
		if err != nil {
			return identity.Link{}, wrapRemote(err, "create system A person")
		}
		return r.identity.StoreLink(ctx, identity.Link{SystemAID: aID, SystemBID: holder.PersonID})
	}

	first, last, ok := identity.SplitOutsiderName(holder.OutsiderName)
	if !ok {
		return identity.Link{}, dErrors.Newf(dErrors.CodeAmbiguous, "unclassifiable outsider name %q", holder.OutsiderName)
	}
	outsiderID := identity.OutsiderID(holder.OutsiderEmail, holder.OutsiderName)
	bID, err := r.systemB.CreatePerson(ctx, extsys.PersonAttributes{
		ExternalID: outsiderID,
		FirstName:  first,
		LastName:   last,
		Email:      holder.OutsiderEmail,
	})
	if err != nil {
		return identity.Link{}, wrapRemote(err, "create system B person")
	}
	return r.identity.StoreLink(ctx, identity.Link{
		SystemBID:     bID,
		OutsiderID:    outsiderID,
		OutsiderName:  holder.OutsiderName,
		OutsiderEmail: holder.OutsiderEmail,
	})
}

// resolveAccesses translates every security access reference on the source
// key to its counterpart id. An empty access set is valid and reconciles to
// an empty set; a translation miss is a configuration fault.
func (r *Reconciler) resolveAccesses(cust customer.Customer, ev ChangeEvent) ([]string, error) {
	resolved := make([]string, 0, len(ev.Snapshot.AccessRefs))
	for _, ref := range ev.Snapshot.AccessRefs {
		var (
			id  string
			err error
		)
		if ev.Direction == audit.DirectionAToB {
			id, err = cust.SecurityAccessToB(ref)
		} else {
			id, err = cust.SecurityAccessToA(ref)
		}
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, id)
	}
	return resolved, nil
}

func (r *Reconciler) create(ctx context.Context, ev ChangeEvent, cust customer.Customer,
	link identity.Link, accessIDs []string, diff AccessDiff) (Result, error) {
	validUntil := r.now().Add(keyValidity)

	if ev.Direction == audit.DirectionAToB {
		realEstate, err := cust.RealEstateByAddress(ev.Snapshot.Address)
		if err != nil {
			return Result{}, err
		}
		id, err := r.systemB.CreateKey(ctx, extsys.KeyAttributes{
			HolderPersonID: link.SystemBID,
			RealEstateID:   realEstate.SystemBID,
			AccessIDs:      accessIDs,
			ValidUntil:     validUntil,
			State:          ev.Snapshot.State,
		})
		if err != nil {
			return r.escalateOnRejection(ctx, ev, "", err, "create system B key")
		}
		// The snapshot is recorded the moment the key exists; a rejected
		// follow-up write must not lead the next pass into a second create.
		if err := r.savePrev(ctx, ev, id, accessIDs, validUntil); err != nil {
			return Result{}, err
		}
		if realEstate.MainZoneID != "" {
			if err := r.systemB.UpdateKeyMainZone(ctx, id, realEstate.MainZoneID); err != nil {
				return r.escalateOnRejection(ctx, ev, id, err, "set system B key main zone")
			}
		}
		return Result{Action: ActionCreated, CounterpartID: id, Diff: diff}, nil
	}

	realEstate, err := cust.RealEstateBySystemB(ev.Snapshot.RealEstateID)
	if err != nil {
		return Result{}, err
	}
	id, err := r.systemA.CreateEntity(ctx, entityTypeKeyCard, r.keyCardAttrs(ev, realEstate.Address, link, accessIDs, validUntil))
	if err != nil {
		return r.escalateOnRejection(ctx, ev, "", err, "create system A key card")
	}
	if err := r.savePrev(ctx, ev, id, accessIDs, validUntil); err != nil {
		return Result{}, err
	}
	return Result{Action: ActionCreated, CounterpartID: id, Diff: diff}, nil
}

func (r *Reconciler) savePrev(ctx context.Context, ev ChangeEvent, counterpartID string, accessIDs []string, validUntil time.Time) error {
	state := PrevState{CounterpartID: counterpartID, AccessIDs: accessIDs, ValidUntil: validUntil}
	return r.prev.Save(ctx, ev.Direction, ev.SourceEntityID, state)
}

func (r *Reconciler) update(ctx context.Context, ev ChangeEvent, prev PrevState,
	accessIDs []string, diff AccessDiff) (Result, error) {
	if ev.Direction == audit.DirectionAToB {
		if err := r.systemB.UpdateKeySecurityAccesses(ctx, prev.CounterpartID, accessIDs); err != nil {
			return r.escalateOnRejection(ctx, ev, prev.CounterpartID, err, "update system B key accesses")
		}
	} else {
		attrs := map[string]string{attrAccessIDs: strings.Join(accessIDs, ",")}
		if err := r.systemA.UpdateEntity(ctx, entityTypeKeyCard, prev.CounterpartID, attrs); err != nil {
			return r.escalateOnRejection(ctx, ev, prev.CounterpartID, err, "update system A key card accesses")
		}
	}

	// Expiry is preserved as-is on updates; only the access set changed.
	if err := r.savePrev(ctx, ev, prev.CounterpartID, accessIDs, prev.ValidUntil); err != nil {
		return Result{}, err
	}
	return Result{Action: ActionUpdated, CounterpartID: prev.CounterpartID, Diff: diff}, nil
}

func (r *Reconciler) keyCardAttrs(ev ChangeEvent, address string, link identity.Link, accessIDs []string, validUntil time.Time) map[string]string {
	attrs := map[string]string{
		attrAddress:    address,
		attrAccessIDs:  strings.Join(accessIDs, ","),
		attrValidUntil: validUntil.UTC().Format(time.RFC3339),
		attrState:      string(ev.Snapshot.State),
	}
	if link.SystemAID != "" {
		attrs[attrHolderID] = link.SystemAID
	} else {
		attrs[attrOutsiderName] = link.OutsiderName
		attrs[attrOutsiderEmail] = link.OutsiderEmail
	}
	return attrs
}

// escalateOnRejection converts a remote rejection into an escalation with the
// remote error body embedded; any other error propagates for retry.
func (r *Reconciler) escalateOnRejection(ctx context.Context, ev ChangeEvent, counterpartID string, err error, op string) (Result, error) {
	if dErrors.HasCode(err, dErrors.CodeRemoteRejected) {
		if escErr := r.escalate(ctx, ev, counterpartID, fmt.Sprintf("%s rejected: %v", op, err)); escErr != nil {
			return Result{}, escErr
		}
		return Result{Action: ActionEscalated, CounterpartID: counterpartID}, nil
	}
	return Result{}, err
}

// escalate records the failure and halts this item only; it returns an error
// solely when the escalation itself could not be recorded.
func (r *Reconciler) escalate(ctx context.Context, ev ChangeEvent, counterpartID, message string) error {
	return r.escalator.Escalate(ctx, audit.Escalation{
		Direction:        ev.Direction,
		SourceEntityID:   ev.SourceEntityID,
		SourceExternalID: ev.SourceExternalID,
		CounterpartID:    counterpartID,
		Message:          message,
	})
}

func wrapRemote(err error, op string) error {
	if dErrors.HasCode(err, dErrors.CodeRemoteRejected) || dErrors.HasCode(err, dErrors.CodeTransient) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeTransient, op)
}
