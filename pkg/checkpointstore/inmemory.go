package checkpointstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anicoll/drover"
	"github.com/google/uuid"
)

type recordKey struct {
	streamID      string
	consumerGroup string
	partitionID   string
}

// InmemoryStore implements drover.CheckpointStore entirely in memory. It is
// intended for tests and single-process use; the compare-and-swap semantics
// match the durable adapters.
type InmemoryStore struct {
	mu          sync.Mutex
	ownerships  map[recordKey]*drover.PartitionOwnership
	checkpoints map[recordKey]*drover.Checkpoint
}

// NewInmemory creates a new instance of InmemoryStore.
func NewInmemory() *InmemoryStore {
	return &InmemoryStore{
		ownerships:  make(map[recordKey]*drover.PartitionOwnership),
		checkpoints: make(map[recordKey]*drover.Checkpoint),
	}
}

func (s *InmemoryStore) ListOwnership(ctx context.Context, streamID, consumerGroup string) ([]*drover.PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownerships := []*drover.PartitionOwnership{}
	for key, o := range s.ownerships {
		if key.streamID != streamID || key.consumerGroup != consumerGroup {
			continue
		}
		ownerships = append(ownerships, s.joinCheckpointLocked(key, o))
	}

	sort.Slice(ownerships, func(i, j int) bool { return ownerships[i].PartitionID < ownerships[j].PartitionID })
	return ownerships, nil
}

func (s *InmemoryStore) ClaimOwnership(ctx context.Context, candidates []*drover.PartitionOwnership) ([]*drover.PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := []*drover.PartitionOwnership{}
	now := time.Now().UTC()

	for _, candidate := range candidates {
		key := recordKey{candidate.StreamID, candidate.ConsumerGroup, candidate.PartitionID}
		existing, exists := s.ownerships[key]

		if candidate.ETag == "" {
			if exists {
				// Lost the race for a fresh claim. Expected, not an error.
				continue
			}
		} else if !exists || existing.ETag != candidate.ETag {
			continue
		}

		record := *candidate
		record.LastModified = now
		record.ETag = uuid.NewString()
		s.ownerships[key] = &record

		claimed = append(claimed, s.joinCheckpointLocked(key, &record))
	}

	return claimed, nil
}

func (s *InmemoryStore) UpdateCheckpoint(ctx context.Context, checkpoint *drover.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{checkpoint.StreamID, checkpoint.ConsumerGroup, checkpoint.PartitionID}
	if existing, ok := s.checkpoints[key]; ok && existing.SequenceNumber > checkpoint.SequenceNumber {
		return fmt.Errorf("checkpoint sequence number regressed: stored %d, got %d", existing.SequenceNumber, checkpoint.SequenceNumber)
	}

	record := *checkpoint
	s.checkpoints[key] = &record
	return nil
}

func (s *InmemoryStore) Close() error {
	return nil
}

// joinCheckpointLocked returns a copy of the ownership record carrying the last
// checkpointed position, matching the record shape of the durable adapters.
func (s *InmemoryStore) joinCheckpointLocked(key recordKey, o *drover.PartitionOwnership) *drover.PartitionOwnership {
	record := *o
	if cp, ok := s.checkpoints[key]; ok {
		record.Offset = cp.Offset
		record.SequenceNumber = cp.SequenceNumber
	}
	return &record
}

// Assert that InmemoryStore implements CheckpointStore.
var _ drover.CheckpointStore = (*InmemoryStore)(nil)
