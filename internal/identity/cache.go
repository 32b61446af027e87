// Package identity implements the durable bidirectional mapping between
// System A and System B person identities. Resolution matches on normalized
// names only; any uncertainty surfaces as OutcomeAmbiguous so the caller can
// escalate instead of guessing.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"keysync/internal/extsys"
	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
	"keysync/pkg/sentinel"
)

const (
	linkKeyPrefixA        = sharedstore.Namespace + "identity:a:"
	linkKeyPrefixB        = sharedstore.Namespace + "identity:b:"
	linkKeyPrefixOutsider = sharedstore.Namespace + "identity:outsider:"
	guardKeyPrefix        = sharedstore.Namespace + "identity:guard:"

	attrFirstName = "firstName"
	attrLastName  = "lastName"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keysync_identity_resolutions_total",
	Help: "Identity resolution attempts by outcome",
}, []string{"outcome", "kind"})

// Cache resolves and durably stores identity links. The durable mappings live
// in the shared store and survive restarts; only the System B person listing
// used for outsider name matching is held in memory.
type Cache struct {
	store    sharedstore.Store
	systemA  extsys.SystemA
	systemB  extsys.SystemB
	guardTTL time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	persons []extsys.Person // nil until first outsider resolution
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for resolution events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New constructs a Cache. guardTTL bounds how long an ambiguous result
// short-circuits repeated resolution attempts without re-querying.
func New(store sharedstore.Store, systemA extsys.SystemA, systemB extsys.SystemB, guardTTL time.Duration, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("shared store is required")
	}
	if systemA == nil || systemB == nil {
		return nil, fmt.Errorf("system A and system B clients are required")
	}
	if guardTTL <= 0 {
		return nil, fmt.Errorf("ambiguity guard TTL must be positive")
	}
	c := &Cache{
		store:    store,
		systemA:  systemA,
		systemB:  systemB,
		guardTTL: guardTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve maps a System B person to its System A counterpart. The durable
// cache is consulted first; on a miss the person's names are fetched from
// System B and matched against System A by normalized name. Zero matches
// yield OutcomeUnmapped, exactly one persists and returns the link, more than
// one writes the ambiguity guard and returns OutcomeAmbiguous.
func (c *Cache) Resolve(ctx context.Context, systemBPersonID string) (Resolution, error) {
	guardKey := guardKeyPrefix + "b:" + sharedstore.SanitizeSegment(systemBPersonID)
	if res, done, err := c.checkCached(ctx, linkKeyPrefixB+sharedstore.SanitizeSegment(systemBPersonID), guardKey); done || err != nil {
		return res, err
	}

	person, err := c.personByID(ctx, systemBPersonID)
	if err != nil {
		return Resolution{}, err
	}

	candidates, err := c.systemA.SearchPersonsByName(ctx, person.FirstName, person.LastName)
	if err != nil {
		return Resolution{}, dErrors.Wrap(err, dErrors.CodeTransient, "search system A persons")
	}

	matches := matchEntities(candidates, person.FirstName, person.LastName)
	switch len(matches) {
	case 0:
		resolutionsTotal.WithLabelValues(string(OutcomeUnmapped), "person").Inc()
		return Resolution{Outcome: OutcomeUnmapped}, nil
	case 1:
		link := Link{SystemAID: matches[0].ID, SystemBID: systemBPersonID}
		stored, err := c.persistLink(ctx, link)
		if err != nil {
			return Resolution{}, err
		}
		resolutionsTotal.WithLabelValues(string(OutcomeLinked), "person").Inc()
		return Resolution{Outcome: OutcomeLinked, Link: stored}, nil
	default:
		if err := c.writeGuard(ctx, guardKey); err != nil {
			return Resolution{}, err
		}
		resolutionsTotal.WithLabelValues(string(OutcomeAmbiguous), "person").Inc()
		if c.logger != nil {
			c.logger.WarnContext(ctx, "ambiguous identity match",
				"system_b_person_id", systemBPersonID,
				"match_count", len(matches),
			)
		}
		return Resolution{Outcome: OutcomeAmbiguous}, nil
	}
}

// ResolveOutsider maps a key holder known only by name and email to a System
// B person. The identity is keyed by a stable hash of email and name; the
// name is matched against the System B person listing after normalization.
func (c *Cache) ResolveOutsider(ctx context.Context, email, name string) (Resolution, error) {
	first, last, ok := SplitOutsiderName(name)
	if !ok {
		return Resolution{}, dErrors.Newf(dErrors.CodeAmbiguous, "unclassifiable outsider name %q", name)
	}

	outsiderID := OutsiderID(email, name)
	guardKey := guardKeyPrefix + "outsider:" + outsiderID
	if res, done, err := c.checkCached(ctx, linkKeyPrefixOutsider+outsiderID, guardKey); done || err != nil {
		return res, err
	}

	// A person this process created earlier carries the derived identifier as
	// its external id; that beats name matching.
	if existing, err := c.systemB.GetPersonByExternalID(ctx, outsiderID); err != nil {
		return Resolution{}, dErrors.Wrap(err, dErrors.CodeTransient, "look up system B person by external id")
	} else if existing != nil {
		link := Link{
			SystemBID:     existing.ID,
			OutsiderID:    outsiderID,
			OutsiderName:  name,
			OutsiderEmail: email,
		}
		stored, err := c.persistLink(ctx, link)
		if err != nil {
			return Resolution{}, err
		}
		resolutionsTotal.WithLabelValues(string(OutcomeLinked), "outsider").Inc()
		return Resolution{Outcome: OutcomeLinked, Link: stored}, nil
	}

	persons, err := c.listPersons(ctx)
	if err != nil {
		return Resolution{}, err
	}

	var matches []extsys.Person
	for _, p := range persons {
		if NamesEqual(p.FirstName, first) && NamesEqual(p.LastName, last) {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 0:
		resolutionsTotal.WithLabelValues(string(OutcomeUnmapped), "outsider").Inc()
		return Resolution{Outcome: OutcomeUnmapped}, nil
	case 1:
		link := Link{
			SystemBID:     matches[0].ID,
			OutsiderID:    outsiderID,
			OutsiderName:  name,
			OutsiderEmail: email,
		}
		stored, err := c.persistLink(ctx, link)
		if err != nil {
			return Resolution{}, err
		}
		resolutionsTotal.WithLabelValues(string(OutcomeLinked), "outsider").Inc()
		return Resolution{Outcome: OutcomeLinked, Link: stored}, nil
	default:
		if err := c.writeGuard(ctx, guardKey); err != nil {
			return Resolution{}, err
		}
		resolutionsTotal.WithLabelValues(string(OutcomeAmbiguous), "outsider").Inc()
		if c.logger != nil {
			c.logger.WarnContext(ctx, "ambiguous outsider match",
				"outsider_name", name,
				"match_count", len(matches),
			)
		}
		return Resolution{Outcome: OutcomeAmbiguous}, nil
	}
}

// StoreLink persists a link derived outside the resolution flow, e.g. after
// the reconciler creates a counterpart person for an unmapped holder.
func (c *Cache) StoreLink(ctx context.Context, link Link) (Link, error) {
	if !link.Valid() {
		return Link{}, dErrors.New(dErrors.CodeInvalidInput, "identity link violates keying invariant")
	}
	return c.persistLink(ctx, link)
}

// Invalidate drops the in-memory System B person listing so the next outsider
// resolution fetches a fresh one. Durable per-identity mappings are never
// invalidated by this call.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.persons = nil
	c.mu.Unlock()
}

// OutsiderID derives the stable identifier for an outsider from email and
// name. The hash keeps PII out of store keys while staying deterministic.
func OutsiderID(email, name string) string {
	sum := sha256.Sum256([]byte(NormalizeName(email) + "|" + NormalizeName(name)))
	return hex.EncodeToString(sum[:])
}

// checkCached consults the ambiguity guard and the durable link cache.
// done=true means the resolution is decided without querying either system.
func (c *Cache) checkCached(ctx context.Context, linkKey, guardKey string) (Resolution, bool, error) {
	guarded, err := c.store.Exists(ctx, guardKey)
	if err != nil {
		return Resolution{}, false, dErrors.Wrap(err, dErrors.CodeTransient, "check ambiguity guard")
	}
	if guarded {
		resolutionsTotal.WithLabelValues(string(OutcomeAmbiguous), "guarded").Inc()
		return Resolution{Outcome: OutcomeAmbiguous}, true, nil
	}

	raw, err := c.store.Get(ctx, linkKey)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, dErrors.Wrap(err, dErrors.CodeTransient, "read identity link")
	}

	var link Link
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		return Resolution{}, false, dErrors.Wrap(err, dErrors.CodeInternal, "decode identity link")
	}
	return Resolution{Outcome: OutcomeLinked, Link: link}, true, nil
}

// persistLink writes the link under both directions. SetIfAbsent on the B-side
// key serializes concurrent resolutions of the same person across replicas;
// the loser adopts the winner's link.
func (c *Cache) persistLink(ctx context.Context, link Link) (Link, error) {
	encoded, err := json.Marshal(link)
	if err != nil {
		return Link{}, dErrors.Wrap(err, dErrors.CodeInternal, "encode identity link")
	}

	bKey := linkKeyPrefixB + sharedstore.SanitizeSegment(link.SystemBID)
	created, err := c.store.SetIfAbsent(ctx, bKey, string(encoded), 0)
	if err != nil {
		return Link{}, dErrors.Wrap(err, dErrors.CodeTransient, "persist identity link")
	}
	if !created {
		raw, err := c.store.Get(ctx, bKey)
		if err != nil {
			return Link{}, dErrors.Wrap(err, dErrors.CodeTransient, "re-read identity link")
		}
		var existing Link
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return Link{}, dErrors.Wrap(err, dErrors.CodeInternal, "decode identity link")
		}
		return existing, nil
	}

	reverseKey := linkKeyPrefixA + sharedstore.SanitizeSegment(link.SystemAID)
	if link.OutsiderID != "" {
		reverseKey = linkKeyPrefixOutsider + link.OutsiderID
	}
	if err := c.store.Set(ctx, reverseKey, string(encoded), 0); err != nil {
		return Link{}, dErrors.Wrap(err, dErrors.CodeTransient, "persist reverse identity link")
	}
	return link, nil
}

func (c *Cache) writeGuard(ctx context.Context, guardKey string) error {
	if err := c.store.Set(ctx, guardKey, "1", c.guardTTL); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "write ambiguity guard")
	}
	return nil
}

// personByID looks the person up in the cached listing, refreshing once when
// the id is unknown before treating it as invalid input.
func (c *Cache) personByID(ctx context.Context, systemBPersonID string) (extsys.Person, error) {
	persons, err := c.listPersons(ctx)
	if err != nil {
		return extsys.Person{}, err
	}
	for _, p := range persons {
		if p.ID == systemBPersonID {
			return p, nil
		}
	}

	c.Invalidate()
	persons, err = c.listPersons(ctx)
	if err != nil {
		return extsys.Person{}, err
	}
	for _, p := range persons {
		if p.ID == systemBPersonID {
			return p, nil
		}
	}
	return extsys.Person{}, dErrors.Newf(dErrors.CodeInvalidInput, "system B person %s does not exist", systemBPersonID)
}

func (c *Cache) listPersons(ctx context.Context) ([]extsys.Person, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persons != nil {
		return c.persons, nil
	}
	persons, err := c.systemB.ListPersons(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "list system B persons")
	}
	c.persons = persons
	return persons, nil
}

// matchEntities filters System A person entities down to exact normalized
// name matches. The search port may return looser candidate sets.
func matchEntities(candidates []extsys.Entity, firstName, lastName string) []extsys.Entity {
	var matches []extsys.Entity
	for _, e := range candidates {
		first, ok := e.Attr(attrFirstName)
		if !ok {
			continue
		}
		last, ok := e.Attr(attrLastName)
		if !ok {
			continue
		}
		if NamesEqual(first, firstName) && NamesEqual(last, lastName) {
			matches = append(matches, e)
		}
	}
	return matches
}
