package audit

import "time"

// Direction identifies which way a reconciliation was flowing when it failed.
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionAToB || d == DirectionBToA
}

// ExceptionRecord captures one irreconcilable condition. Records are
// immutable; their lifecycle ends when an operator resolves the underlying
// data and clears the in-progress guard.
type ExceptionRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Direction        Direction `json:"direction"`
	SourceEntityID   string    `json:"source_entity_id"`
	SourceExternalID string    `json:"source_external_id,omitempty"`
	CounterpartID    string    `json:"counterpart_id,omitempty"`
	Message          string    `json:"message"`
}

// Escalation is the input to Escalator.Escalate. CounterpartID is empty when
// the counterpart is unknown, which is common for ambiguous matches.
type Escalation struct {
	Direction        Direction
	SourceEntityID   string
	SourceExternalID string
	CounterpartID    string
	Message          string
}
