//go:build integration

package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type RedisStoreSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *redis.Client
	store     *RedisStore
}

func (s *RedisStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err, "failed to start redis container")
	s.container = container

	uri, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(uri)
	s.Require().NoError(err)

	s.client = redis.NewClient(opts)
	s.Require().NoError(s.client.Ping(ctx).Err())
	s.store = NewRedisStoreFromClient(s.client)
}

func (s *RedisStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisStoreSuite) TestGetSetExpire() {
	ctx := context.Background()

	_, err := s.store.Get(ctx, "k")
	s.ErrorIs(err, ErrCacheMiss)

	s.Require().NoError(s.store.Set(ctx, "k", []byte("v"), time.Second))
	v, err := s.store.Get(ctx, "k")
	s.Require().NoError(err)
	s.Equal([]byte("v"), v)

	s.Eventually(func() bool {
		ok, err := s.store.Exists(ctx, "k")
		return err == nil && !ok
	}, 3*time.Second, 100*time.Millisecond)
}

func (s *RedisStoreSuite) TestSetIfAbsent() {
	ctx := context.Background()

	ok, err := s.store.SetIfAbsent(ctx, MarkerKey("fp"), []byte("a"), time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.SetIfAbsent(ctx, MarkerKey("fp"), []byte("b"), time.Minute)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisStoreSuite) TestDeleteIfValue() {
	ctx := context.Background()
	s.Require().NoError(s.store.Set(ctx, MarkerKey("fp"), []byte("replica-b"), time.Minute))

	ok, err := s.store.DeleteIfValue(ctx, MarkerKey("fp"), []byte("replica-a"))
	s.Require().NoError(err)
	s.False(ok)
	ok, _ = s.store.Exists(ctx, MarkerKey("fp"))
	s.True(ok)

	ok, err = s.store.DeleteIfValue(ctx, MarkerKey("fp"), []byte("replica-b"))
	s.Require().NoError(err)
	s.True(ok)
	ok, _ = s.store.Exists(ctx, MarkerKey("fp"))
	s.False(ok)
}

func (s *RedisStoreSuite) TestClearKeepsMarkers() {
	ctx := context.Background()
	s.Require().NoError(s.store.Set(ctx, ManifestKey("a"), []byte("1"), time.Minute))
	s.Require().NoError(s.store.Set(ctx, ManifestKey("b"), []byte("2"), time.Minute))
	s.Require().NoError(s.store.Set(ctx, MarkerKey("a"), []byte("x"), time.Minute))

	s.Require().NoError(s.store.Clear(ctx, manifestPrefix+"*"))

	ok, _ := s.store.Exists(ctx, ManifestKey("a"))
	s.False(ok)
	ok, _ = s.store.Exists(ctx, MarkerKey("a"))
	s.True(ok)
}

// Two coordinators stand for two replicas sharing the same Redis
func (s *RedisStoreSuite) TestCoordinatorsShareBuilds() {
	ctx := context.Background()
	first := NewCoordinator(s.store, nil, CoordinatorConfig{PollInterval: 20 * time.Millisecond})
	second := NewCoordinator(s.store, nil, CoordinatorConfig{PollInterval: 20 * time.Millisecond})

	var calls atomic.Int32
	release := make(chan struct{})
	build := func(context.Context) (*models.Manifest, error) {
		calls.Add(1)
		<-release
		return testManifest("shared"), nil
	}

	results := make(chan Outcome, 2)
	for _, c := range []*Coordinator{first, second} {
		go func() {
			_, outcome, err := c.GetOrBuild(ctx, "fp", build)
			assert.NoError(s.T(), err)
			results <- outcome
		}()
	}
	time.Sleep(200 * time.Millisecond)
	close(release)

	outcomes := []Outcome{<-results, <-results}
	s.ElementsMatch([]Outcome{OutcomeBuilt, OutcomeShared}, outcomes)
	s.Equal(int32(1), calls.Load())
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration tests in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}
