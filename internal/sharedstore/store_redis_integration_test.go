//go:build integration

package sharedstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"keysync/internal/sharedstore"
	"keysync/pkg/sentinel"
	"keysync/pkg/testutil/containers"
)

// RedisStoreSuite runs the shared store contract against a real Redis so the
// memory and Redis implementations cannot drift apart on the primitives the
// leases and guards depend on.
type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *sharedstore.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = sharedstore.NewRedisStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestGetSetDel() {
	ctx := context.Background()

	_, err := s.store.Get(ctx, "keysync:missing")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.Set(ctx, "keysync:k", "v", 0))
	got, err := s.store.Get(ctx, "keysync:k")
	s.Require().NoError(err)
	s.Equal("v", got)

	s.Require().NoError(s.store.Del(ctx, "keysync:k"))
	_, err = s.store.Get(ctx, "keysync:k")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestSetIfAbsentIsAtomic() {
	ctx := context.Background()

	created, err := s.store.SetIfAbsent(ctx, "keysync:lease", "replica-1", time.Minute)
	s.Require().NoError(err)
	s.True(created)

	created, err = s.store.SetIfAbsent(ctx, "keysync:lease", "replica-2", time.Minute)
	s.Require().NoError(err)
	s.False(created)

	got, err := s.store.Get(ctx, "keysync:lease")
	s.Require().NoError(err)
	s.Equal("replica-1", got)
}

func (s *RedisStoreSuite) TestTTLExpiry() {
	ctx := context.Background()

	s.Require().NoError(s.store.Set(ctx, "keysync:guard", "1", 500*time.Millisecond))

	exists, err := s.store.Exists(ctx, "keysync:guard")
	s.Require().NoError(err)
	s.True(exists)

	time.Sleep(time.Second)

	exists, err = s.store.Exists(ctx, "keysync:guard")
	s.Require().NoError(err)
	s.False(exists)
}

func (s *RedisStoreSuite) TestSets() {
	ctx := context.Background()

	s.Require().NoError(s.store.SAdd(ctx, "keysync:open", "a", "b"))
	s.Require().NoError(s.store.SAdd(ctx, "keysync:open", "b"))

	members, err := s.store.SMembers(ctx, "keysync:open")
	s.Require().NoError(err)
	s.ElementsMatch([]string{"a", "b"}, members)

	s.Require().NoError(s.store.SRem(ctx, "keysync:open", "a"))
	members, err = s.store.SMembers(ctx, "keysync:open")
	s.Require().NoError(err)
	s.Equal([]string{"b"}, members)
}

func (s *RedisStoreSuite) TestScanPrefix() {
	ctx := context.Background()

	s.Require().NoError(s.store.Set(ctx, "keysync:identity:a:1", "x", 0))
	s.Require().NoError(s.store.Set(ctx, "keysync:identity:b:1", "y", 0))
	s.Require().NoError(s.store.Set(ctx, "keysync:lease:dev:pod", "z", 0))

	keys, err := s.store.ScanPrefix(ctx, "keysync:identity:")
	s.Require().NoError(err)
	s.ElementsMatch([]string{"keysync:identity:a:1", "keysync:identity:b:1"}, keys)
}
