package drover

import "time"

// Config carries the settings the CLI collects before constructing a Processor.
type Config struct {
	Stream          string
	ConsumerGroup   string
	NatsURL         string
	SpannerDSN      *string
	OwnershipTable  *string
	CheckpointTable *string
	LeaseDuration   *time.Duration
	MaxWaitTime     *time.Duration
	ReclaimInterval *time.Duration
	LogLevel        string
}
