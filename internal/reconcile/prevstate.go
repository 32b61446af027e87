package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"keysync/internal/audit"
	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
	"keysync/pkg/sentinel"
)

const prevKeyPrefix = sharedstore.Namespace + "prevkey:"

// PrevState is the durable record of the last successful reconciliation of a
// key: which counterpart it mapped to and which access set was written. The
// diff step compares against it so unchanged keys produce no outbound call.
type PrevState struct {
	CounterpartID string    `json:"counterpart_id"`
	AccessIDs     []string  `json:"access_ids"`
	ValidUntil    time.Time `json:"valid_until"`
}

// PrevStateCache stores previous key states in the shared store so every
// replica diffs against the same history.
type PrevStateCache struct {
	store sharedstore.Store
}

// NewPrevStateCache constructs a PrevStateCache.
func NewPrevStateCache(store sharedstore.Store) *PrevStateCache {
	return &PrevStateCache{store: store}
}

// Load returns the previous state for the key, with found=false when the key
// has never been reconciled.
func (c *PrevStateCache) Load(ctx context.Context, direction audit.Direction, sourceEntityID string) (PrevState, bool, error) {
	raw, err := c.store.Get(ctx, prevStateKey(direction, sourceEntityID))
	if errors.Is(err, sentinel.ErrNotFound) {
		return PrevState{}, false, nil
	}
	if err != nil {
		return PrevState{}, false, dErrors.Wrap(err, dErrors.CodeTransient, "read previous key state")
	}
	var state PrevState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return PrevState{}, false, dErrors.Wrap(err, dErrors.CodeInternal, "decode previous key state")
	}
	return state, true, nil
}

// Save overwrites the previous state for the key. Access ids are stored
// sorted so stored snapshots are canonical.
func (c *PrevStateCache) Save(ctx context.Context, direction audit.Direction, sourceEntityID string, state PrevState) error {
	ids := append([]string(nil), state.AccessIDs...)
	sort.Strings(ids)
	state.AccessIDs = ids

	encoded, err := json.Marshal(state)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode previous key state")
	}
	if err := c.store.Set(ctx, prevStateKey(direction, sourceEntityID), string(encoded), 0); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "persist previous key state")
	}
	return nil
}

func prevStateKey(direction audit.Direction, sourceEntityID string) string {
	return prevKeyPrefix + string(direction) + ":" + sharedstore.SanitizeSegment(sourceEntityID)
}
