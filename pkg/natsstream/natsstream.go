// Package natsstream adapts a NATS JetStream stream to the drover.StreamClient
// surface. Partitions map to literal subjects of the form "<stream>.<n>", one
// per partition, and the JetStream stream sequence doubles as both the opaque
// offset token and the sequence number.
package natsstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anicoll/drover"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultBatchSize = 100

// Client implements drover.StreamClient over one JetStream stream.
type Client struct {
	js         jetstream.JetStream
	streamName string
	batchSize  int
}

type clientConfig struct {
	batchSize int
}

type clientOption interface {
	Apply(*clientConfig)
}

type withBatchSize int

func (o withBatchSize) Apply(c *clientConfig) {
	c.batchSize = int(o)
}

// WithBatchSize sets the maximum number of events returned per Receive call.
// Default value is 100.
func WithBatchSize(n int) clientOption {
	return withBatchSize(n)
}

// New creates a client for the given stream. The stream must already exist and
// be configured with one literal subject per partition; see EnsureStream.
func New(js jetstream.JetStream, streamName string, options ...clientOption) *Client {
	c := &clientConfig{batchSize: defaultBatchSize}
	for _, o := range options {
		o.Apply(c)
	}

	return &Client{
		js:         js,
		streamName: streamName,
		batchSize:  c.batchSize,
	}
}

// EnsureStream creates or updates a JetStream stream with one subject per
// partition ("<name>.<0..partitions-1>").
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, partitions int) error {
	subjects := make([]string, partitions)
	for i := range partitions {
		subjects[i] = fmt.Sprintf("%s.%d", name, i)
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// PartitionIDs derives the partition identifiers from the stream's configured
// subjects: the token after the final dot of each literal subject.
func (c *Client) PartitionIDs(ctx context.Context) ([]string, error) {
	stream, err := c.js.Stream(ctx, c.streamName)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", c.streamName, err)
	}

	subjects := stream.CachedInfo().Config.Subjects
	partitionIDs := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		idx := strings.LastIndex(subject, ".")
		if idx < 0 || strings.ContainsAny(subject, "*>") {
			return nil, fmt.Errorf("stream %s subject %q is not a literal partition subject", c.streamName, subject)
		}
		partitionIDs = append(partitionIDs, subject[idx+1:])
	}

	return partitionIDs, nil
}

// CreateConsumer opens an ordered consumer filtered to the partition's subject.
// The consumerGroup argument does not select server-side state here; positions
// are driven entirely by the checkpoint store.
func (c *Client) CreateConsumer(ctx context.Context, consumerGroup, partitionID string, start drover.StartPosition) (drover.PartitionConsumer, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.%s", c.streamName, partitionID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}

	switch {
	case start.Offset != "":
		seq, err := strconv.ParseUint(start.Offset, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed offset %q: %w", start.Offset, err)
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = seq + 1 // resume after the checkpointed event
	case start.Latest:
		// Ordered consumers are recreated under the hood on every Fetch, so
		// DeliverNewPolicy would re-anchor "new" to the tail each time and
		// skip events published between fetches. Pin the tail once instead.
		stream, err := c.js.Stream(ctx, c.streamName)
		if err != nil {
			return nil, fmt.Errorf("lookup stream %s: %w", c.streamName, err)
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = stream.CachedInfo().State.LastSeq + 1
	}

	consumer, err := c.js.OrderedConsumer(ctx, c.streamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for partition %s: %w", partitionID, err)
	}

	return &partitionConsumer{
		consumer:    consumer,
		partitionID: partitionID,
		batchSize:   c.batchSize,
	}, nil
}

type partitionConsumer struct {
	consumer    jetstream.Consumer
	partitionID string
	batchSize   int
}

func (p *partitionConsumer) Receive(ctx context.Context, maxWait time.Duration) ([]*drover.Event, error) {
	batch, err := p.consumer.Fetch(p.batchSize, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, err
	}

	events := []*drover.Event{}
	for msg := range batch.Messages() {
		metadata, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("read message metadata: %w", err)
		}

		events = append(events, &drover.Event{
			PartitionID:    p.partitionID,
			Offset:         strconv.FormatUint(metadata.Sequence.Stream, 10),
			SequenceNumber: int64(metadata.Sequence.Stream),
			EnqueuedAt:     metadata.Timestamp,
			Body:           msg.Data(),
		})
	}
	if err := batch.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

func (p *partitionConsumer) Close() error {
	// Ordered consumers are ephemeral; the server reclaims them on idle.
	return nil
}

// Assert the adapter satisfies the processor's stream surface.
var (
	_ drover.StreamClient      = (*Client)(nil)
	_ drover.PartitionConsumer = (*partitionConsumer)(nil)
)
