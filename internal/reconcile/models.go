package reconcile

import (
	"time"

	"keysync/internal/audit"
	"keysync/internal/extsys"
)

// HolderRef identifies who holds a key. A holder is either named (a System B
// person reference, with names carried along from the source record) or an
// outsider known only by free-form name and email. A holder that is neither
// is unclassifiable and always escalated, never guessed.
type HolderRef struct {
	PersonID  string
	FirstName string
	LastName  string
	Email     string

	OutsiderName  string
	OutsiderEmail string
}

// Named reports whether the holder is a System B person reference.
func (h HolderRef) Named() bool {
	return h.PersonID != ""
}

// Outsider reports whether the holder is identified by name and email only.
func (h HolderRef) Outsider() bool {
	return h.PersonID == "" && h.OutsiderName != "" && h.OutsiderEmail != ""
}

// Classified reports whether the holder fits either category.
func (h HolderRef) Classified() bool {
	return h.Named() || h.Outsider()
}

// KeySnapshot is the reconciler's working view of one key, built transiently
// per pass from the source system's representation. Only the derived identity
// link and the previous-state snapshot are ever persisted.
type KeySnapshot struct {
	Holder HolderRef
	// Address carries the street address on A-side snapshots; B-side
	// snapshots carry the System B real estate id instead, translated to an
	// address through the customer table.
	Address      string
	RealEstateID string
	AccessRefs   []string // security access ids in the source system
	ValidUntil   time.Time
	State        extsys.KeyState
}

// ChangeEvent is one changed entity delivered by the polling cycle.
type ChangeEvent struct {
	Direction        audit.Direction
	SourceEntityID   string
	SourceExternalID string
	Snapshot         KeySnapshot
}

// Action is the terminal state of a reconciliation pass.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionNoOp      Action = "noop"
	ActionEscalated Action = "escalated"
)

// Result reports what a reconciliation pass did.
type Result struct {
	Action        Action
	CounterpartID string
	Diff          AccessDiff
}
