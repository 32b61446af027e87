package extsys

import "time"

// Entity is a generic System A record: a typed id plus a flat attribute bag.
// Attribute absence is an ordinary outcome, checked with Attr, never probed
// through errors.
type Entity struct {
	ID         string
	ExternalID string
	Type       string
	Attributes map[string]string
}

// Attr returns the named attribute and whether it is present.
func (e Entity) Attr(name string) (string, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// Person is a System B person record.
type Person struct {
	ID         string
	ExternalID string
	FirstName  string
	LastName   string
	Email      string
}

// KeyState is the lifecycle state of a key record.
type KeyState string

const (
	KeyStatePendingActivation KeyState = "pending_activation"
	KeyStateActive            KeyState = "active"
	KeyStateRejected          KeyState = "rejected"
	KeyStatePassive           KeyState = "passive"
	KeyStateDeleted           KeyState = "deleted"
)

// KeyRecord is a System B key as returned by GetKey.
type KeyRecord struct {
	ID             string
	HolderPersonID string
	OutsiderName   string
	OutsiderEmail  string
	RealEstateID   string
	MainZoneID     string
	AccessIDs      []string
	ValidUntil     time.Time
	State          KeyState
}

// PersonAttributes is the payload for creating a System B person.
type PersonAttributes struct {
	ExternalID string
	FirstName  string
	LastName   string
	Email      string
}

// KeyAttributes is the payload for creating or updating a System B key.
type KeyAttributes struct {
	HolderPersonID string
	RealEstateID   string
	AccessIDs      []string
	ValidUntil     time.Time
	State          KeyState
}
