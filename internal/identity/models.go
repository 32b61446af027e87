package identity

// Link is the resolved correspondence between a person in System A (or an
// outsider known only by name and email) and a person in System B.
//
// A link is keyed by exactly one of SystemAID / OutsiderID on one side and
// exactly one SystemBID on the other; re-resolution always re-derives and
// overwrites, never mutates in place.
type Link struct {
	SystemAID     string `json:"system_a_id,omitempty"`
	SystemBID     string `json:"system_b_id"`
	OutsiderID    string `json:"outsider_id,omitempty"`
	OutsiderName  string `json:"outsider_name,omitempty"`
	OutsiderEmail string `json:"outsider_email,omitempty"`
}

// Valid reports whether the link satisfies its keying invariant.
func (l Link) Valid() bool {
	if l.SystemBID == "" {
		return false
	}
	return (l.SystemAID != "") != (l.OutsiderID != "")
}

// Outcome classifies a resolution attempt.
type Outcome string

const (
	// OutcomeLinked means exactly one confident match; the link is persisted.
	OutcomeLinked Outcome = "linked"

	// OutcomeAmbiguous means more than one normalized name match. The caller
	// must escalate; automatic matching never guesses.
	OutcomeAmbiguous Outcome = "ambiguous"

	// OutcomeUnmapped means zero matches; the caller must create the
	// counterpart record first.
	OutcomeUnmapped Outcome = "unmapped"
)

// Resolution is the result of Resolve or ResolveOutsider. Link is populated
// only when Outcome is OutcomeLinked.
type Resolution struct {
	Outcome Outcome
	Link    Link
}
