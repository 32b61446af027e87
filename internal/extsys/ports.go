// Package extsys defines typed ports over the two synchronized systems.
// Transport, marshalling and authentication live behind these interfaces;
// the reconciliation core only ever sees the operation contracts.
//
// Implementations must return domainerrors.CodeTransient for network faults
// and domainerrors.CodeRemoteRejected when the remote refuses a write with an
// error payload.
package extsys

import "context"

// SystemA is the asset/ticketing system holding key-card entities.
type SystemA interface {
	// QueryEntities returns entities of the given type matching filter.
	QueryEntities(ctx context.Context, entityType string, filter map[string]string) ([]Entity, error)

	// CreateEntity creates an entity and returns its System A id.
	CreateEntity(ctx context.Context, entityType string, attrs map[string]string) (string, error)

	// UpdateEntity overwrites the given attributes on an existing entity.
	UpdateEntity(ctx context.Context, entityType, id string, attrs map[string]string) error

	// SearchPersonsByName returns person entities whose first and last name
	// match exactly. Matching is raw; normalization is the caller's concern.
	SearchPersonsByName(ctx context.Context, firstName, lastName string) ([]Entity, error)
}

// SystemB is the physical access-control system holding keys, persons and
// security accesses.
type SystemB interface {
	// GetKey fetches a key record by System B id.
	GetKey(ctx context.Context, id string) (KeyRecord, error)

	// ListPersons returns every person known to System B.
	ListPersons(ctx context.Context) ([]Person, error)

	// GetPersonByExternalID returns the person carrying the given external id,
	// or nil when no such person exists. Absence is not an error.
	GetPersonByExternalID(ctx context.Context, externalID string) (*Person, error)

	// CreatePerson creates a person and returns its System B id.
	CreatePerson(ctx context.Context, attrs PersonAttributes) (string, error)

	// CreateKey creates a key and returns its System B id.
	CreateKey(ctx context.Context, attrs KeyAttributes) (string, error)

	// UpdateKey overwrites key attributes other than accesses and main zone.
	UpdateKey(ctx context.Context, id string, attrs KeyAttributes) error

	// UpdateKeySecurityAccesses replaces the key's security access set.
	UpdateKeySecurityAccesses(ctx context.Context, id string, accessIDs []string) error

	// UpdateKeyMainZone moves the key to the given zone.
	UpdateKeyMainZone(ctx context.Context, id, zoneID string) error
}
