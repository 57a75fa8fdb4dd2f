package drover

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// PartitionOwnership represents the current claim state for one partition.
// The (StreamID, ConsumerGroup, PartitionID) triple is the unique key.
type PartitionOwnership struct {
	StreamID      string    `spanner:"StreamID" json:"stream_id"`
	ConsumerGroup string    `spanner:"ConsumerGroup" json:"consumer_group"`
	PartitionID   string    `spanner:"PartitionID" json:"partition_id"`
	OwnerID       string    `spanner:"OwnerID" json:"owner_id"`
	OwnerLevel    int64     `spanner:"OwnerLevel" json:"owner_level"`
	LastModified  time.Time `spanner:"LastModified" json:"last_modified_time"`

	// Offset and SequenceNumber mirror the last checkpoint recorded for the
	// partition, populated by the store on ListOwnership so a fresh claim can
	// resume from the previous owner's position. An empty Offset means no
	// checkpoint exists yet.
	Offset         string `spanner:"Offset" json:"offset"`
	SequenceNumber int64  `spanner:"SequenceNumber" json:"sequence_number"`

	// ETag is the opaque optimistic-concurrency token. A claim must supply the
	// ETag it read; an empty ETag means "create if missing, fail if present".
	ETag string `spanner:"ETag" json:"etag"`
}

// Expired reports whether the claim is stale and reclaimable by another instance.
func (o *PartitionOwnership) Expired(leaseDuration time.Duration, now time.Time) bool {
	return now.Sub(o.LastModified) > leaseDuration
}

// HasCheckpoint reports whether a checkpoint has ever been recorded for the partition.
func (o *PartitionOwnership) HasCheckpoint() bool {
	return o.Offset != ""
}

// ownershipManager decides which partitions this instance should own and
// attempts to claim them, resolving races cooperatively through the store's
// optimistic concurrency.
type ownershipManager struct {
	store         CheckpointStore
	streamID      string
	consumerGroup string
	ownerID       string
	leaseDuration time.Duration
}

func newOwnershipManager(store CheckpointStore, streamID, consumerGroup, ownerID string, leaseDuration time.Duration) *ownershipManager {
	return &ownershipManager{
		store:         store,
		streamID:      streamID,
		consumerGroup: consumerGroup,
		ownerID:       ownerID,
		leaseDuration: leaseDuration,
	}
}

// listOwnership reads a snapshot of all claim state for the consumer group.
func (m *ownershipManager) listOwnership(ctx context.Context) ([]*PartitionOwnership, error) {
	ownerships, err := m.store.ListOwnership(ctx, m.streamID, m.consumerGroup)
	if err != nil {
		return nil, fmt.Errorf("%w: list ownership: %w", ErrStoreUnavailable, err)
	}
	return ownerships, nil
}

// candidates computes the claim candidates for this instance from a ListOwnership
// snapshot: unowned partitions get a fresh claim (owner level 1, no etag),
// self-owned partitions get a renewal (incremented owner level, the etag read),
// and partitions whose lease expired get a takeover carrying the read etag.
// Partitions held by another live owner are left alone.
func (m *ownershipManager) candidates(partitionIDs []string, current []*PartitionOwnership, now time.Time) []*PartitionOwnership {
	byPartition := make(map[string]*PartitionOwnership, len(current))
	for _, o := range current {
		byPartition[o.PartitionID] = o
	}

	candidates := make([]*PartitionOwnership, 0, len(partitionIDs))
	for _, pid := range partitionIDs {
		existing, ok := byPartition[pid]
		if !ok {
			candidates = append(candidates, &PartitionOwnership{
				StreamID:      m.streamID,
				ConsumerGroup: m.consumerGroup,
				PartitionID:   pid,
				OwnerID:       m.ownerID,
				OwnerLevel:    1,
			})
			continue
		}

		if existing.OwnerID != m.ownerID && !existing.Expired(m.leaseDuration, now) {
			// Held by another live owner. Not reclaimable until the lease lapses.
			continue
		}

		candidate := *existing
		candidate.OwnerID = m.ownerID
		candidate.OwnerLevel = existing.OwnerLevel + 1
		candidates = append(candidates, &candidate)
	}

	return candidates
}

// claim attempts a conditional write for every candidate and returns the subset
// actually claimed. Losing a race for a partition is silently dropped from the
// result, it is the expected outcome of concurrent claiming.
func (m *ownershipManager) claim(ctx context.Context, candidates []*PartitionOwnership) ([]*PartitionOwnership, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	claimed, err := m.store.ClaimOwnership(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: claim ownership: %w", ErrStoreUnavailable, err)
	}

	log.Debug().
		Str("owner_id", m.ownerID).
		Int("candidates", len(candidates)).
		Int("claimed", len(claimed)).
		Msg("ownership claim pass complete")

	return claimed, nil
}
