package checkpointstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anicoll/drover"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamStore implements drover.CheckpointStore on a NATS JetStream KV
// bucket. The KV revision number is the optimistic-concurrency token: fresh
// claims use the atomic Create operation and renewals use Update with the
// revision read, so two instances can never both believe they won a claim.
//
// Stream, consumer group, and partition identifiers become KV key tokens and
// must therefore be valid NATS key segments (no dots or whitespace).
type JetStreamStore struct {
	kv jetstream.KeyValue
}

// NewJetStream creates a new instance of JetStreamStore on the given bucket.
// The bucket's lifetime is owned by the caller.
func NewJetStream(kv jetstream.KeyValue) *JetStreamStore {
	return &JetStreamStore{kv: kv}
}

const (
	ownershipPrefix  = "ownership"
	checkpointPrefix = "checkpoint"
)

type ownershipValue struct {
	OwnerID      string    `json:"owner_id"`
	OwnerLevel   int64     `json:"owner_level"`
	LastModified time.Time `json:"last_modified_time"`
}

type checkpointValue struct {
	OwnerID        string `json:"owner_id"`
	Offset         string `json:"offset"`
	SequenceNumber int64  `json:"sequence_number"`
}

func ownershipKey(streamID, consumerGroup, partitionID string) string {
	return strings.Join([]string{ownershipPrefix, streamID, consumerGroup, partitionID}, ".")
}

func checkpointKey(streamID, consumerGroup, partitionID string) string {
	return strings.Join([]string{checkpointPrefix, streamID, consumerGroup, partitionID}, ".")
}

func (s *JetStreamStore) ListOwnership(ctx context.Context, streamID, consumerGroup string) ([]*drover.PartitionOwnership, error) {
	prefix := ownershipKey(streamID, consumerGroup, "")

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ownership keys: %w", err)
	}
	defer lister.Stop()

	ownerships := []*drover.PartitionOwnership{}
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		partitionID := strings.TrimPrefix(key, prefix)

		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				// Deleted between listing and reading; skip.
				continue
			}
			return nil, fmt.Errorf("get ownership %s: %w", key, err)
		}

		ownership, err := s.entryToOwnership(ctx, streamID, consumerGroup, partitionID, entry)
		if err != nil {
			return nil, err
		}
		ownerships = append(ownerships, ownership)
	}

	return ownerships, nil
}

func (s *JetStreamStore) ClaimOwnership(ctx context.Context, candidates []*drover.PartitionOwnership) ([]*drover.PartitionOwnership, error) {
	claimed := []*drover.PartitionOwnership{}

	for _, candidate := range candidates {
		record := *candidate
		record.LastModified = time.Now().UTC()

		value, err := json.Marshal(ownershipValue{
			OwnerID:      record.OwnerID,
			OwnerLevel:   record.OwnerLevel,
			LastModified: record.LastModified,
		})
		if err != nil {
			return nil, err
		}

		key := ownershipKey(record.StreamID, record.ConsumerGroup, record.PartitionID)

		var revision uint64
		if candidate.ETag == "" {
			revision, err = s.kv.Create(ctx, key, value)
			if errors.Is(err, jetstream.ErrKeyExists) {
				// Lost the race for a fresh claim. Expected, not an error.
				continue
			}
		} else {
			expected, parseErr := strconv.ParseUint(candidate.ETag, 10, 64)
			if parseErr != nil {
				return nil, fmt.Errorf("malformed etag %q: %w", candidate.ETag, parseErr)
			}
			revision, err = s.kv.Update(ctx, key, value, expected)
			if isRevisionMismatch(err) {
				continue
			}
		}
		if err != nil {
			return nil, fmt.Errorf("claim partition %s: %w", record.PartitionID, err)
		}

		record.ETag = strconv.FormatUint(revision, 10)
		claimed = append(claimed, &record)
	}

	return claimed, nil
}

func (s *JetStreamStore) UpdateCheckpoint(ctx context.Context, checkpoint *drover.Checkpoint) error {
	key := checkpointKey(checkpoint.StreamID, checkpoint.ConsumerGroup, checkpoint.PartitionID)

	value, err := json.Marshal(checkpointValue{
		OwnerID:        checkpoint.OwnerID,
		Offset:         checkpoint.Offset,
		SequenceNumber: checkpoint.SequenceNumber,
	})
	if err != nil {
		return err
	}

	entry, err := s.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if _, err := s.kv.Create(ctx, key, value); err != nil {
			return fmt.Errorf("create checkpoint %s: %w", key, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("get checkpoint %s: %w", key, err)
	}

	var stored checkpointValue
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	if stored.SequenceNumber > checkpoint.SequenceNumber {
		return fmt.Errorf("checkpoint sequence number regressed: stored %d, got %d", stored.SequenceNumber, checkpoint.SequenceNumber)
	}

	if _, err := s.kv.Update(ctx, key, value, entry.Revision()); err != nil {
		return fmt.Errorf("update checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *JetStreamStore) Close() error {
	// The bucket and connection are owned by the caller.
	return nil
}

func (s *JetStreamStore) entryToOwnership(ctx context.Context, streamID, consumerGroup, partitionID string, entry jetstream.KeyValueEntry) (*drover.PartitionOwnership, error) {
	var value ownershipValue
	if err := json.Unmarshal(entry.Value(), &value); err != nil {
		return nil, fmt.Errorf("decode ownership %s: %w", entry.Key(), err)
	}

	ownership := &drover.PartitionOwnership{
		StreamID:      streamID,
		ConsumerGroup: consumerGroup,
		PartitionID:   partitionID,
		OwnerID:       value.OwnerID,
		OwnerLevel:    value.OwnerLevel,
		LastModified:  value.LastModified,
		ETag:          strconv.FormatUint(entry.Revision(), 10),
	}

	cpEntry, err := s.kv.Get(ctx, checkpointKey(streamID, consumerGroup, partitionID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ownership, nil
		}
		return nil, fmt.Errorf("get checkpoint for %s: %w", partitionID, err)
	}

	var cp checkpointValue
	if err := json.Unmarshal(cpEntry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint for %s: %w", partitionID, err)
	}
	ownership.Offset = cp.Offset
	ownership.SequenceNumber = cp.SequenceNumber

	return ownership, nil
}

// isRevisionMismatch reports whether a KV update failed because the expected
// revision no longer matches, i.e. another instance won the claim.
func isRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Assert that JetStreamStore implements CheckpointStore.
var _ drover.CheckpointStore = (*JetStreamStore)(nil)
