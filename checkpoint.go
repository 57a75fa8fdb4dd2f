package drover

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Checkpoint is the persisted progress marker for one partition, independent
// of ownership. Offset is an opaque position token meaningful to the stream
// backend; SequenceNumber is a monotonically increasing proxy for offset
// ordering.
type Checkpoint struct {
	StreamID       string `spanner:"StreamID" json:"stream_id"`
	ConsumerGroup  string `spanner:"ConsumerGroup" json:"consumer_group"`
	PartitionID    string `spanner:"PartitionID" json:"partition_id"`
	OwnerID        string `spanner:"OwnerID" json:"owner_id"`
	Offset         string `spanner:"Offset" json:"offset"`
	SequenceNumber int64  `spanner:"SequenceNumber" json:"sequence_number"`
}

// CheckpointManager is the narrow, partition-scoped handle given to the
// processing callback so it can durably record progress without knowing about
// ownership or the store's API shape. Each instance is bound 1:1 to a single
// partition task and discarded when that task stops.
type CheckpointManager struct {
	store         CheckpointStore
	streamID      string
	consumerGroup string
	partitionID   string
	ownerID       string
}

func newCheckpointManager(store CheckpointStore, streamID, consumerGroup, partitionID, ownerID string) *CheckpointManager {
	return &CheckpointManager{
		store:         store,
		streamID:      streamID,
		consumerGroup: consumerGroup,
		partitionID:   partitionID,
		ownerID:       ownerID,
	}
}

// PartitionID returns the partition this handle records progress for.
func (m *CheckpointManager) PartitionID() string {
	return m.partitionID
}

// UpdateCheckpoint durably records that all events up to and including the
// given position have been processed. Failures are reported as
// ErrCheckpointWrite; the caller decides whether to retry the batch or accept
// at-least-once duplication.
func (m *CheckpointManager) UpdateCheckpoint(ctx context.Context, offset string, sequenceNumber int64) error {
	checkpoint := &Checkpoint{
		StreamID:       m.streamID,
		ConsumerGroup:  m.consumerGroup,
		PartitionID:    m.partitionID,
		OwnerID:        m.ownerID,
		Offset:         offset,
		SequenceNumber: sequenceNumber,
	}

	if err := m.store.UpdateCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("%w: partition %s: %w", ErrCheckpointWrite, m.partitionID, err)
	}

	log.Trace().
		Str("partition_id", m.partitionID).
		Str("offset", offset).
		Int64("sequence_number", sequenceNumber).
		Msg("checkpoint updated")

	return nil
}
