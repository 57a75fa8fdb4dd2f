package drover

import "context"

// CheckpointStore is the durable key-value contract for ownership claims and
// checkpoints. Any backend offering a conditional write (object storage, a
// managed table service, a relational table, or an embedded database) can
// implement it. Implementations must be concurrency-safe.
type CheckpointStore interface {
	// ListOwnership returns a read-only snapshot of the claim state for all
	// partitions of a (stream, consumer group) pair, with each record carrying
	// the last checkpointed position if any.
	ListOwnership(ctx context.Context, streamID, consumerGroup string) ([]*PartitionOwnership, error)

	// ClaimOwnership attempts a single compare-and-swap write per candidate,
	// keyed on ETag, and returns the records actually claimed. An empty
	// candidate ETag means "create if missing, fail if present". A lost race
	// for one candidate must not abort the writes for the others.
	ClaimOwnership(ctx context.Context, candidates []*PartitionOwnership) ([]*PartitionOwnership, error)

	// UpdateCheckpoint persists the progress marker for one partition. The
	// stored sequence number must never regress.
	UpdateCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// Close releases any store-side connection resources.
	Close() error
}
