package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"keysync/internal/extsys"
	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
)

type fakeSystemA struct {
	extsys.SystemA
	persons     []extsys.Entity
	searchCalls int
}

func (f *fakeSystemA) SearchPersonsByName(_ context.Context, firstName, lastName string) ([]extsys.Entity, error) {
	f.searchCalls++
	var out []extsys.Entity
	for _, e := range f.persons {
		first, _ := e.Attr("firstName")
		last, _ := e.Attr("lastName")
		if NamesEqual(first, firstName) && NamesEqual(last, lastName) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSystemB struct {
	extsys.SystemB
	persons   []extsys.Person
	listCalls int
}

func (f *fakeSystemB) ListPersons(context.Context) ([]extsys.Person, error) {
	f.listCalls++
	return f.persons, nil
}

func (f *fakeSystemB) GetPersonByExternalID(_ context.Context, externalID string) (*extsys.Person, error) {
	for _, p := range f.persons {
		if p.ExternalID == externalID {
			person := p
			return &person, nil
		}
	}
	return nil, nil
}

func personEntity(id, first, last string) extsys.Entity {
	return extsys.Entity{
		ID:   id,
		Type: "person",
		Attributes: map[string]string{
			"firstName": first,
			"lastName":  last,
		},
	}
}

type CacheSuite struct {
	suite.Suite
	store   *sharedstore.MemoryStore
	systemA *fakeSystemA
	systemB *fakeSystemB
	cache   *Cache
	now     time.Time
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) SetupTest() {
	s.now = time.Now()
	s.store = sharedstore.NewMemoryStore(sharedstore.WithClock(func() time.Time { return s.now }))
	s.systemA = &fakeSystemA{}
	s.systemB = &fakeSystemB{
		persons: []extsys.Person{
			{ID: "b-1", FirstName: "Anna", LastName: "Virtanen", Email: "anna@example.com"},
			{ID: "b-2", FirstName: "John", LastName: "Smith", Email: "john@example.com"},
			{ID: "b-3", FirstName: "John", LastName: "Smith", Email: "js@example.com"},
		},
	}
	cache, err := New(s.store, s.systemA, s.systemB, 10*time.Minute)
	s.Require().NoError(err)
	s.cache = cache
}

func (s *CacheSuite) TestResolveSingleMatchPersists() {
	ctx := context.Background()
	s.systemA.persons = []extsys.Entity{personEntity("a-1", "Anna", "Virtanen")}

	res, err := s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeLinked, res.Outcome)
	s.Equal("a-1", res.Link.SystemAID)
	s.Equal("b-1", res.Link.SystemBID)

	// The second resolution is served from the durable cache.
	res, err = s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeLinked, res.Outcome)
	s.Equal("a-1", res.Link.SystemAID)
	s.Equal(1, s.systemA.searchCalls)
}

func (s *CacheSuite) TestResolveMatchIsNormalized() {
	ctx := context.Background()
	s.systemA.persons = []extsys.Entity{personEntity("a-1", "ANNA", " Virtanen ")}

	res, err := s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeLinked, res.Outcome)
}

func (s *CacheSuite) TestResolveAmbiguousGuards() {
	ctx := context.Background()
	s.systemA.persons = []extsys.Entity{
		personEntity("a-1", "Anna", "Virtanen"),
		personEntity("a-2", "Anna", "Virtanen"),
	}

	res, err := s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeAmbiguous, res.Outcome)

	// Guarded: repeated attempts short-circuit without another search.
	res, err = s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeAmbiguous, res.Outcome)
	s.Equal(1, s.systemA.searchCalls)

	// The guard lapses after its TTL and resolution is attempted afresh.
	s.now = s.now.Add(11 * time.Minute)
	res, err = s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeAmbiguous, res.Outcome)
	s.Equal(2, s.systemA.searchCalls)
}

func (s *CacheSuite) TestResolveUnmapped() {
	ctx := context.Background()

	res, err := s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeUnmapped, res.Outcome)
}

func (s *CacheSuite) TestResolveUnknownPersonRefreshesOnce() {
	ctx := context.Background()

	// Prime the in-memory listing, then add a person in System B.
	_, err := s.cache.ResolveOutsider(ctx, "anna@example.com", "Anna Virtanen")
	s.Require().NoError(err)
	s.Require().Equal(1, s.systemB.listCalls)

	s.systemB.persons = append(s.systemB.persons, extsys.Person{
		ID: "b-9", FirstName: "New", LastName: "Hire",
	})
	s.systemA.persons = []extsys.Entity{personEntity("a-9", "New", "Hire")}

	res, err := s.cache.Resolve(ctx, "b-9")
	s.Require().NoError(err)
	s.Equal(OutcomeLinked, res.Outcome)
	s.Equal(2, s.systemB.listCalls, "a stale listing is refreshed once before giving up")
}

func (s *CacheSuite) TestResolveUnknownPersonIsInvalidInput() {
	ctx := context.Background()

	_, err := s.cache.Resolve(ctx, "b-404")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *CacheSuite) TestResolveOutsider() {
	ctx := context.Background()

	s.Run("single match links by hash identity", func() {
		res, err := s.cache.ResolveOutsider(ctx, "anna@example.com", "Anna Virtanen")
		s.Require().NoError(err)
		s.Equal(OutcomeLinked, res.Outcome)
		s.Equal("b-1", res.Link.SystemBID)
		s.Equal(OutsiderID("anna@example.com", "Anna Virtanen"), res.Link.OutsiderID)
		s.Empty(res.Link.SystemAID)
	})

	s.Run("ambiguous listing match guards", func() {
		res, err := s.cache.ResolveOutsider(ctx, "who@example.com", "John Smith")
		s.Require().NoError(err)
		s.Equal(OutcomeAmbiguous, res.Outcome)
	})

	s.Run("person created earlier is found by external id before name matching", func() {
		outsiderID := OutsiderID("prev@example.com", "Created Before")
		s.systemB.persons = append(s.systemB.persons, extsys.Person{
			ID: "b-5", ExternalID: outsiderID, FirstName: "Totally", LastName: "Renamed",
		})

		res, err := s.cache.ResolveOutsider(ctx, "prev@example.com", "Created Before")
		s.Require().NoError(err)
		s.Equal(OutcomeLinked, res.Outcome)
		s.Equal("b-5", res.Link.SystemBID)
	})

	s.Run("no match is unmapped", func() {
		res, err := s.cache.ResolveOutsider(ctx, "none@example.com", "Nobody Here")
		s.Require().NoError(err)
		s.Equal(OutcomeUnmapped, res.Outcome)
	})

	s.Run("unclassifiable name errors as ambiguous", func() {
		_, err := s.cache.ResolveOutsider(ctx, "x@example.com", "One Two Three Four")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeAmbiguous))
	})
}

func (s *CacheSuite) TestInvalidateDropsOnlyListing() {
	ctx := context.Background()
	s.systemA.persons = []extsys.Entity{personEntity("a-1", "Anna", "Virtanen")}

	_, err := s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	_, err = s.cache.ResolveOutsider(ctx, "john@example.com", "Jane Roe")
	s.Require().NoError(err)
	listCalls := s.systemB.listCalls

	s.cache.Invalidate()

	// Durable links survive.
	res, err := s.cache.Resolve(ctx, "b-1")
	s.Require().NoError(err)
	s.Equal(OutcomeLinked, res.Outcome)

	// The listing is re-fetched on the next outsider resolution.
	_, err = s.cache.ResolveOutsider(ctx, "john@example.com", "Jane Roe")
	s.Require().NoError(err)
	s.Equal(listCalls+1, s.systemB.listCalls)
}

func (s *CacheSuite) TestStoreLink() {
	ctx := context.Background()

	s.Run("valid link round-trips through resolution", func() {
		_, err := s.cache.StoreLink(ctx, Link{SystemAID: "a-7", SystemBID: "b-7"})
		s.Require().NoError(err)

		res, err := s.cache.Resolve(ctx, "b-7")
		s.Require().NoError(err)
		s.Equal(OutcomeLinked, res.Outcome)
		s.Equal("a-7", res.Link.SystemAID)
	})

	s.Run("concurrent writer loses to the existing link", func() {
		stored, err := s.cache.StoreLink(ctx, Link{SystemAID: "a-8", SystemBID: "b-7"})
		s.Require().NoError(err)
		s.Equal("a-7", stored.SystemAID, "the loser adopts the winner's link")
	})

	s.Run("keying invariant is enforced", func() {
		_, err := s.cache.StoreLink(ctx, Link{SystemBID: "b-7"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

		_, err = s.cache.StoreLink(ctx, Link{SystemAID: "a", OutsiderID: "o", SystemBID: "b"})
		s.Require().Error(err)

		_, err = s.cache.StoreLink(ctx, Link{SystemAID: "a"})
		s.Require().Error(err)
	})
}
