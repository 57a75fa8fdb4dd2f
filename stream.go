package drover

import (
	"context"
	"time"
)

// Event is a single record received from one partition of the stream.
type Event struct {
	PartitionID    string    `json:"partition_id"`
	Offset         string    `json:"offset"`
	SequenceNumber int64     `json:"sequence_number"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Body           []byte    `json:"body"`
}

// StartPosition selects where a partition consumer begins reading.
type StartPosition struct {
	// Offset resumes delivery immediately after the given position when non-empty.
	Offset string
	// Latest starts from the stream tail instead of the beginning when no
	// Offset is set.
	Latest bool
}

// StreamClient is the surface the processor consumes from the stream backend.
type StreamClient interface {
	// PartitionIDs returns the identifiers of every partition in the stream.
	PartitionIDs(ctx context.Context) ([]string, error)
	// CreateConsumer opens a receiver for one partition at the given position.
	CreateConsumer(ctx context.Context, consumerGroup, partitionID string, start StartPosition) (PartitionConsumer, error)
}

// PartitionConsumer receives batches from a single partition.
type PartitionConsumer interface {
	// Receive returns the next batch, waiting at most maxWait. An empty batch
	// and nil error means no events arrived within the wait window.
	Receive(ctx context.Context, maxWait time.Duration) ([]*Event, error)
	Close() error
}
