package checkpointstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"cloud.google.com/go/spanner"
	"github.com/anicoll/drover"
	"github.com/anicoll/drover/internal/helper"
	"github.com/anicoll/drover/pkg/interceptor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
)

const (
	projectID  = "local-project"
	instanceID = "local-instance"
	databaseID = "local-database"
)

type SpannerTestSuite struct {
	suite.Suite
	ctx       context.Context
	container testcontainers.Container
	client    *spanner.Client
	dsn       string
}

func TestSpannerTestSuite(t *testing.T) {
	suite.Run(t, new(SpannerTestSuite))
}

func (s *SpannerTestSuite) SetupSuite() {
	s.ctx = context.Background()

	// Reuse an already-running emulator if one is configured, otherwise start
	// one in a container.
	if os.Getenv("SPANNER_EMULATOR_HOST") == "" {
		image := "gcr.io/cloud-spanner-emulator/emulator"
		ports := []string{"9010/tcp"}

		var err error
		s.container, err = helper.NewTestContainer(s.ctx, image, map[string]string{}, ports, wait.ForLog("gRPC server listening at"))
		s.Require().NoError(err)

		mappedPort, err := s.container.MappedPort(s.ctx, "9010")
		s.Require().NoError(err)
		hostIP, err := s.container.Host(s.ctx)
		s.Require().NoError(err)

		os.Setenv("SPANNER_EMULATOR_HOST", fmt.Sprintf("%s:%s", hostIP, mappedPort.Port()))
	}

	instanceName, err := helper.CreateInstance(s.ctx, projectID, instanceID)
	s.Require().NoError(err)

	s.dsn, err = helper.CreateDatabase(s.ctx, instanceName, databaseID)
	s.Require().NoError(err)
}

func (s *SpannerTestSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	if s.container != nil {
		s.NoError(s.container.Terminate(s.ctx))
	}
}

type testStore struct {
	*SpannerStore
	t *testing.T
}

func (ts *testStore) CleanupData(ctx context.Context) {
	_, err := ts.client.Apply(ctx, []*spanner.Mutation{
		spanner.Delete(ts.ownershipTable, spanner.AllKeys()),
		spanner.Delete(ts.checkpointTable, spanner.AllKeys()),
	})
	if err != nil {
		ts.t.Fatalf("failed to cleanup test data: %v", err)
	}
}

func (s *SpannerTestSuite) setupSpannerStore(ctx context.Context, tablePrefix string) (*testStore, func()) {
	var err error
	proxy := interceptor.NewQueueInterceptor(100)

	s.client, err = spanner.NewClient(ctx, s.dsn, option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(proxy.UnaryInterceptor)))
	s.NoError(err)

	store := NewSpanner(s.client, tablePrefix+"Ownership", tablePrefix+"Checkpoint")

	err = store.RunMigrations(ctx)
	s.NoError(err)

	ts := &testStore{SpannerStore: store, t: s.T()}
	cleanupFunc := func() {
		ts.CleanupData(ctx)
		store.client.Close()
	}
	return ts, cleanupFunc
}

func (s *SpannerTestSuite) newCandidate(partitionID, ownerID string) *drover.PartitionOwnership {
	return &drover.PartitionOwnership{
		StreamID:      "orders",
		ConsumerGroup: "billing",
		PartitionID:   partitionID,
		OwnerID:       ownerID,
		OwnerLevel:    1,
	}
}

func (s *SpannerTestSuite) TestSpannerStore_RunMigrations() {
	ctx := context.Background()
	store, cleanup := s.setupSpannerStore(ctx, "Migrations")
	defer cleanup()

	for _, table := range []string{store.ownershipTable, store.checkpointTable} {
		iter := s.client.Single().Read(ctx, table, spanner.AllKeys(), []string{columnPartitionID})
		defer iter.Stop()
		if _, err := iter.Next(); err != iterator.Done {
			s.T().Errorf("Read from %s after RunMigrations() = %v, want %v", table, err, iterator.Done)
		}
	}

	// Running again must not fail.
	s.NoError(store.RunMigrations(ctx))
}

func (s *SpannerTestSuite) TestSpannerStore_ClaimLifecycle() {
	ctx := context.Background()
	store, cleanup := s.setupSpannerStore(ctx, "ClaimLifecycle")
	defer cleanup()

	s.Run("FreshClaim", func() {
		claimed, err := store.ClaimOwnership(ctx, []*drover.PartitionOwnership{s.newCandidate("p0", "owner-a")})
		s.NoError(err)
		s.Require().Len(claimed, 1)
		s.Equal("owner-a", claimed[0].OwnerID)
		s.NotEmpty(claimed[0].ETag)
	})

	s.Run("FreshClaimLosesToExistingRow", func() {
		claimed, err := store.ClaimOwnership(ctx, []*drover.PartitionOwnership{s.newCandidate("p0", "owner-b")})
		s.NoError(err)
		s.Empty(claimed)
	})

	s.Run("RenewalRotatesETag", func() {
		ownerships, err := store.ListOwnership(ctx, "orders", "billing")
		s.NoError(err)
		s.Require().Len(ownerships, 1)
		readETag := ownerships[0].ETag

		renewal := *ownerships[0]
		renewal.OwnerLevel = 2
		claimed, err := store.ClaimOwnership(ctx, []*drover.PartitionOwnership{&renewal})
		s.NoError(err)
		s.Require().Len(claimed, 1)
		s.Equal(int64(2), claimed[0].OwnerLevel)
		s.NotEqual(readETag, claimed[0].ETag)

		// The etag read before the renewal no longer wins.
		stale := renewal
		stale.ETag = readETag
		stale.OwnerID = "owner-b"
		claimed, err = store.ClaimOwnership(ctx, []*drover.PartitionOwnership{&stale})
		s.NoError(err)
		s.Empty(claimed)
	})

	s.Run("OneLostRaceDoesNotAbortOthers", func() {
		ownerships, err := store.ListOwnership(ctx, "orders", "billing")
		s.NoError(err)
		s.Require().Len(ownerships, 1)

		lost := *ownerships[0]
		lost.ETag = uuid.NewString() // never matches
		fresh := s.newCandidate("p9", "owner-a")

		claimed, err := store.ClaimOwnership(ctx, []*drover.PartitionOwnership{&lost, fresh})
		s.NoError(err)
		s.Require().Len(claimed, 1)
		s.Equal("p9", claimed[0].PartitionID)
	})
}

func (s *SpannerTestSuite) TestSpannerStore_ConcurrentClaims() {
	ctx := context.Background()
	store, cleanup := s.setupSpannerStore(ctx, "ConcurrentClaims")
	defer cleanup()

	const claimers = 5
	var wg sync.WaitGroup
	mu := sync.Mutex{}
	winners := []string{}

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(ownerID string) {
			defer wg.Done()
			claimed, err := store.ClaimOwnership(ctx, []*drover.PartitionOwnership{s.newCandidate("p0", ownerID)})
			mu.Lock()
			defer mu.Unlock()
			s.NoError(err)
			for _, c := range claimed {
				winners = append(winners, c.OwnerID)
			}
		}(fmt.Sprintf("owner-%d", i))
	}
	wg.Wait()

	s.Len(winners, 1, "exactly one fresh claim must succeed")

	ownerships, err := store.ListOwnership(ctx, "orders", "billing")
	s.NoError(err)
	s.Require().Len(ownerships, 1)
	s.Equal(winners[0], ownerships[0].OwnerID)
}

func (s *SpannerTestSuite) TestSpannerStore_ListJoinsCheckpoint() {
	ctx := context.Background()
	store, cleanup := s.setupSpannerStore(ctx, "ListJoins")
	defer cleanup()

	_, err := store.ClaimOwnership(ctx, []*drover.PartitionOwnership{
		s.newCandidate("p0", "owner-a"),
		s.newCandidate("p1", "owner-a"),
	})
	s.NoError(err)

	s.NoError(store.UpdateCheckpoint(ctx, &drover.Checkpoint{
		StreamID:       "orders",
		ConsumerGroup:  "billing",
		PartitionID:    "p0",
		OwnerID:        "owner-a",
		Offset:         "77",
		SequenceNumber: 77,
	}))

	ownerships, err := store.ListOwnership(ctx, "orders", "billing")
	s.NoError(err)
	s.Require().Len(ownerships, 2)

	// Ordered by partition ID.
	s.Equal("p0", ownerships[0].PartitionID)
	s.Equal("77", ownerships[0].Offset)
	s.Equal(int64(77), ownerships[0].SequenceNumber)
	s.True(ownerships[0].HasCheckpoint())

	s.Equal("p1", ownerships[1].PartitionID)
	s.False(ownerships[1].HasCheckpoint())
}

func (s *SpannerTestSuite) TestSpannerStore_UpdateCheckpointMonotonic() {
	ctx := context.Background()
	store, cleanup := s.setupSpannerStore(ctx, "CheckpointMonotonic")
	defer cleanup()

	cp := &drover.Checkpoint{
		StreamID:       "orders",
		ConsumerGroup:  "billing",
		PartitionID:    "p0",
		OwnerID:        "owner-a",
		Offset:         "20",
		SequenceNumber: 20,
	}
	s.NoError(store.UpdateCheckpoint(ctx, cp))

	advanced := *cp
	advanced.Offset = "21"
	advanced.SequenceNumber = 21
	s.NoError(store.UpdateCheckpoint(ctx, &advanced))

	regressed := *cp
	regressed.Offset = "19"
	regressed.SequenceNumber = 19
	err := store.UpdateCheckpoint(ctx, &regressed)
	s.ErrorContains(err, "regressed")

	// Re-writing the current position is allowed.
	s.NoError(store.UpdateCheckpoint(ctx, &advanced))
}
