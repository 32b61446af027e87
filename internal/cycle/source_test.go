package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keysync/internal/extsys"
	"keysync/internal/sharedstore"
)

type stubSystemA struct {
	extsys.SystemA
	entities []extsys.Entity
	filters  []map[string]string
}

func (s *stubSystemA) QueryEntities(_ context.Context, _ string, filter map[string]string) ([]extsys.Entity, error) {
	s.filters = append(s.filters, filter)
	return s.entities, nil
}

func keyCardEntity(id string, attrs map[string]string) extsys.Entity {
	return extsys.Entity{ID: id, ExternalID: "ext-" + id, Type: "keycard", Attributes: attrs}
}

func TestSystemAFeedCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := sharedstore.NewMemoryStore()
	systemA := &stubSystemA{entities: []extsys.Entity{
		keyCardEntity("k-1", map[string]string{"holderId": "b-1", "address": "Main St 1"}),
	}}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := NewSystemAFeed(systemA, store)
	feed.now = func() time.Time { return now }

	events, err := feed.ChangedEntities(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, systemA.filters[0], "first poll has no changedSince bound")

	// Nothing committed yet, so a failed cycle re-reads the same window and
	// the change is never lost.
	now = now.Add(time.Minute)
	_, err = feed.ChangedEntities(ctx)
	require.NoError(t, err)
	require.Len(t, systemA.filters, 2)
	assert.Empty(t, systemA.filters[1], "an uncommitted poll leaves the mark untouched")

	require.NoError(t, feed.CommitCheckpoint(ctx))
	now = now.Add(time.Minute)
	_, err = feed.ChangedEntities(ctx)
	require.NoError(t, err)
	require.Len(t, systemA.filters, 3)
	assert.Equal(t, "2026-03-01T12:01:00Z", systemA.filters[2]["changedSince"],
		"after commit the next poll resumes from the committed poll's start")

	require.NoError(t, feed.CommitCheckpoint(ctx), "committing with nothing pending is a no-op")
}

func TestToChangeEvent(t *testing.T) {
	t.Run("named holder", func(t *testing.T) {
		ev := toChangeEvent(keyCardEntity("k-1", map[string]string{
			"holderId":          "b-1",
			"holderFirstName":   "Anna",
			"holderLastName":    "Virtanen",
			"address":           "Main St 1",
			"securityAccessIds": "sa-1, sa-2,,sa-3",
			"validUntil":        "2027-03-01T00:00:00Z",
			"state":             "active",
		}))

		assert.Equal(t, "k-1", ev.SourceEntityID)
		assert.Equal(t, "ext-k-1", ev.SourceExternalID)
		assert.True(t, ev.Snapshot.Holder.Named())
		assert.Equal(t, "Anna", ev.Snapshot.Holder.FirstName)
		assert.Equal(t, []string{"sa-1", "sa-2", "sa-3"}, ev.Snapshot.AccessRefs)
		assert.Equal(t, extsys.KeyStateActive, ev.Snapshot.State)
		assert.Equal(t, 2027, ev.Snapshot.ValidUntil.Year())
	})

	t.Run("outsider holder", func(t *testing.T) {
		ev := toChangeEvent(keyCardEntity("k-2", map[string]string{
			"outsiderName":  "Jane Roe",
			"outsiderEmail": "jane@example.com",
		}))

		assert.False(t, ev.Snapshot.Holder.Named())
		assert.True(t, ev.Snapshot.Holder.Outsider())
	})

	t.Run("malformed record is unclassifiable, not an error", func(t *testing.T) {
		ev := toChangeEvent(keyCardEntity("k-3", map[string]string{}))
		assert.False(t, ev.Snapshot.Holder.Classified())
	})
}
