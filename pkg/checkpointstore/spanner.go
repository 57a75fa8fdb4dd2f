package checkpointstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/anicoll/drover"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// SpannerStore implements drover.CheckpointStore backed by Cloud Spanner.
// Ownership claims are single-row compare-and-swap writes on the ETag column,
// each candidate in its own read-write transaction so one lost race never
// aborts the others.
type SpannerStore struct {
	client          *spanner.Client
	ownershipTable  string
	checkpointTable string
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerConfig struct {
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerOption interface {
	Apply(*spannerConfig)
}

type withRequestPriority spannerpb.RequestOptions_Priority

func (o withRequestPriority) Apply(c *spannerConfig) {
	c.requestPriority = spannerpb.RequestOptions_Priority(o)
}

// WithRequestPriority sets the priority option for Spanner requests.
// Default value is unspecified, equivalent to high.
func WithRequestPriority(priority spannerpb.RequestOptions_Priority) spannerOption {
	return withRequestPriority(priority)
}

// NewSpanner creates a new instance of SpannerStore for the given Spanner
// client and table names. The store takes ownership of the client; Close
// releases it.
func NewSpanner(client *spanner.Client, ownershipTable, checkpointTable string, options ...spannerOption) *SpannerStore {
	c := &spannerConfig{}
	for _, o := range options {
		o.Apply(c)
	}

	return &SpannerStore{
		client:          client,
		ownershipTable:  ownershipTable,
		checkpointTable: checkpointTable,
		requestPriority: c.requestPriority,
	}
}

const (
	columnStreamID       = "StreamID"
	columnConsumerGroup  = "ConsumerGroup"
	columnPartitionID    = "PartitionID"
	columnOwnerID        = "OwnerID"
	columnOwnerLevel     = "OwnerLevel"
	columnLastModified   = "LastModified"
	columnETag           = "ETag"
	columnOffset         = "Offset"
	columnSequenceNumber = "SequenceNumber"
	columnUpdatedAt      = "UpdatedAt"
)

type ownershipRow struct {
	StreamID       string             `spanner:"StreamID"`
	ConsumerGroup  string             `spanner:"ConsumerGroup"`
	PartitionID    string             `spanner:"PartitionID"`
	OwnerID        string             `spanner:"OwnerID"`
	OwnerLevel     int64              `spanner:"OwnerLevel"`
	LastModified   time.Time          `spanner:"LastModified"`
	ETag           string             `spanner:"ETag"`
	Offset         spanner.NullString `spanner:"Offset"`
	SequenceNumber spanner.NullInt64  `spanner:"SequenceNumber"`
}

func (r *ownershipRow) toOwnership() *drover.PartitionOwnership {
	o := &drover.PartitionOwnership{
		StreamID:      r.StreamID,
		ConsumerGroup: r.ConsumerGroup,
		PartitionID:   r.PartitionID,
		OwnerID:       r.OwnerID,
		OwnerLevel:    r.OwnerLevel,
		LastModified:  r.LastModified,
		ETag:          r.ETag,
	}
	if r.Offset.Valid {
		o.Offset = r.Offset.StringVal
	}
	if r.SequenceNumber.Valid {
		o.SequenceNumber = r.SequenceNumber.Int64
	}
	return o
}

// ListOwnership returns the claim state for every partition of the stream and
// consumer group, joined with the last checkpointed position.
func (s *SpannerStore) ListOwnership(ctx context.Context, streamID, consumerGroup string) ([]*drover.PartitionOwnership, error) {
	stmt := spanner.Statement{
		SQL: fmt.Sprintf(`
			SELECT o.StreamID, o.ConsumerGroup, o.PartitionID, o.OwnerID, o.OwnerLevel, o.LastModified, o.ETag,
				c.Offset, c.SequenceNumber
			FROM %s o
			LEFT JOIN %s c
				ON o.StreamID = c.StreamID AND o.ConsumerGroup = c.ConsumerGroup AND o.PartitionID = c.PartitionID
			WHERE o.StreamID = @streamID AND o.ConsumerGroup = @consumerGroup
			ORDER BY o.PartitionID ASC`, s.ownershipTable, s.checkpointTable),
		Params: map[string]interface{}{
			"streamID":      streamID,
			"consumerGroup": consumerGroup,
		},
	}

	iter := s.client.Single().QueryWithOptions(ctx, stmt, spanner.QueryOptions{Priority: s.requestPriority})
	defer iter.Stop()

	ownerships := []*drover.PartitionOwnership{}
	if err := iter.Do(func(r *spanner.Row) error {
		row := new(ownershipRow)
		if err := r.ToStruct(row); err != nil {
			return err
		}
		ownerships = append(ownerships, row.toOwnership())
		return nil
	}); err != nil {
		return nil, err
	}

	return ownerships, nil
}

// errClaimLost marks a candidate whose conditional write lost the race.
var errClaimLost = errors.New("ownership claim lost")

// ClaimOwnership performs a compare-and-swap write per candidate and returns
// the records actually claimed.
func (s *SpannerStore) ClaimOwnership(ctx context.Context, candidates []*drover.PartitionOwnership) ([]*drover.PartitionOwnership, error) {
	claimed := []*drover.PartitionOwnership{}

	for _, candidate := range candidates {
		record, err := s.claimOne(ctx, candidate)
		if errors.Is(err, errClaimLost) {
			continue
		}
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, record)
	}

	return claimed, nil
}

func (s *SpannerStore) claimOne(ctx context.Context, candidate *drover.PartitionOwnership) (*drover.PartitionOwnership, error) {
	key := spanner.Key{candidate.StreamID, candidate.ConsumerGroup, candidate.PartitionID}
	record := *candidate

	_, err := s.client.ReadWriteTransactionWithOptions(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		row, err := tx.ReadRow(ctx, s.ownershipTable, key, []string{columnETag})
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
			if candidate.ETag != "" {
				// The row we read earlier was reclaimed and removed from under
				// us; treat it as a lost race.
				return errClaimLost
			}
		case err != nil:
			return err
		default:
			var storedETag string
			if err := row.Columns(&storedETag); err != nil {
				return err
			}
			if candidate.ETag == "" || storedETag != candidate.ETag {
				return errClaimLost
			}
		}

		record.LastModified = time.Now().UTC()
		record.ETag = uuid.NewString()

		return tx.BufferWrite([]*spanner.Mutation{spanner.InsertOrUpdateMap(s.ownershipTable, map[string]interface{}{
			columnStreamID:      record.StreamID,
			columnConsumerGroup: record.ConsumerGroup,
			columnPartitionID:   record.PartitionID,
			columnOwnerID:       record.OwnerID,
			columnOwnerLevel:    record.OwnerLevel,
			columnLastModified:  record.LastModified,
			columnETag:          record.ETag,
		})})
	}, spanner.TransactionOptions{CommitPriority: s.requestPriority})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// UpdateCheckpoint persists the progress marker, rejecting sequence number
// regressions.
func (s *SpannerStore) UpdateCheckpoint(ctx context.Context, checkpoint *drover.Checkpoint) error {
	key := spanner.Key{checkpoint.StreamID, checkpoint.ConsumerGroup, checkpoint.PartitionID}

	_, err := s.client.ReadWriteTransactionWithOptions(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		row, err := tx.ReadRow(ctx, s.checkpointTable, key, []string{columnSequenceNumber})
		if err != nil && spanner.ErrCode(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var stored int64
			if err := row.Columns(&stored); err != nil {
				return err
			}
			if stored > checkpoint.SequenceNumber {
				return fmt.Errorf("checkpoint sequence number regressed: stored %d, got %d", stored, checkpoint.SequenceNumber)
			}
		}

		return tx.BufferWrite([]*spanner.Mutation{spanner.InsertOrUpdateMap(s.checkpointTable, map[string]interface{}{
			columnStreamID:       checkpoint.StreamID,
			columnConsumerGroup:  checkpoint.ConsumerGroup,
			columnPartitionID:    checkpoint.PartitionID,
			columnOwnerID:        checkpoint.OwnerID,
			columnOffset:         checkpoint.Offset,
			columnSequenceNumber: checkpoint.SequenceNumber,
			columnUpdatedAt:      spanner.CommitTimestamp,
		})})
	}, spanner.TransactionOptions{CommitPriority: s.requestPriority})

	return err
}

// Close releases the underlying Spanner client.
func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

// Assert that SpannerStore implements CheckpointStore.
var _ drover.CheckpointStore = (*SpannerStore)(nil)
