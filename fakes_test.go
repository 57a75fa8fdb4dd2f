package drover

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-process CheckpointStore with the same compare-and-swap
// semantics as the real adapters, plus error injection hooks.
type fakeStore struct {
	mu           sync.Mutex
	ownerships   map[string]*PartitionOwnership
	checkpoints  map[string]*Checkpoint
	listFailures int
	listErr      error
	claimErr     error
	cpErr        error
	closeCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ownerships:  make(map[string]*PartitionOwnership),
		checkpoints: make(map[string]*Checkpoint),
	}
}

// failList makes the next n ListOwnership calls return err; n < 0 fails every
// call.
func (s *fakeStore) failList(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
	s.listFailures = n
}

func (s *fakeStore) ListOwnership(ctx context.Context, streamID, consumerGroup string) ([]*PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listFailures != 0 {
		if s.listFailures > 0 {
			s.listFailures--
		}
		return nil, s.listErr
	}

	ownerships := []*PartitionOwnership{}
	for pid, o := range s.ownerships {
		if o.StreamID != streamID || o.ConsumerGroup != consumerGroup {
			continue
		}
		ownerships = append(ownerships, s.joinLocked(pid, o))
	}
	sort.Slice(ownerships, func(i, j int) bool { return ownerships[i].PartitionID < ownerships[j].PartitionID })
	return ownerships, nil
}

func (s *fakeStore) ClaimOwnership(ctx context.Context, candidates []*PartitionOwnership) ([]*PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	claimed := []*PartitionOwnership{}
	now := time.Now().UTC()
	for _, candidate := range candidates {
		existing, exists := s.ownerships[candidate.PartitionID]
		if candidate.ETag == "" {
			if exists {
				continue
			}
		} else if !exists || existing.ETag != candidate.ETag {
			continue
		}

		record := *candidate
		record.LastModified = now
		record.ETag = uuid.NewString()
		s.ownerships[candidate.PartitionID] = &record
		claimed = append(claimed, s.joinLocked(candidate.PartitionID, &record))
	}
	return claimed, nil
}

func (s *fakeStore) UpdateCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cpErr != nil {
		return s.cpErr
	}
	if existing, ok := s.checkpoints[checkpoint.PartitionID]; ok && existing.SequenceNumber > checkpoint.SequenceNumber {
		return errors.New("sequence number regressed")
	}

	record := *checkpoint
	s.checkpoints[checkpoint.PartitionID] = &record
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeStore) joinLocked(pid string, o *PartitionOwnership) *PartitionOwnership {
	record := *o
	if cp, ok := s.checkpoints[pid]; ok {
		record.Offset = cp.Offset
		record.SequenceNumber = cp.SequenceNumber
	}
	return &record
}

func (s *fakeStore) ownerOf(pid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.ownerships[pid]; ok {
		return o.OwnerID
	}
	return ""
}

func (s *fakeStore) ownership(pid string) *PartitionOwnership {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.ownerships[pid]; ok {
		record := *o
		return &record
	}
	return nil
}

func (s *fakeStore) checkpoint(pid string) *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[pid]; ok {
		record := *cp
		return &record
	}
	return nil
}

// seed installs an ownership row directly, bypassing the claim path.
func (s *fakeStore) seed(o *PartitionOwnership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := *o
	if record.ETag == "" {
		record.ETag = uuid.NewString()
	}
	s.ownerships[o.PartitionID] = &record
}

var _ CheckpointStore = (*fakeStore)(nil)

// fakeStream is an in-process StreamClient: one buffered channel per partition
// with receive-error injection.
type fakePartition struct {
	events chan *Event
	errs   chan error
}

type fakeStream struct {
	mu         sync.Mutex
	partitions map[string]*fakePartition
	starts     map[string][]StartPosition
	createErr  error
}

func newFakeStream(partitionIDs ...string) *fakeStream {
	s := &fakeStream{
		partitions: make(map[string]*fakePartition),
		starts:     make(map[string][]StartPosition),
	}
	for _, pid := range partitionIDs {
		s.partitions[pid] = &fakePartition{
			events: make(chan *Event, 256),
			errs:   make(chan error, 8),
		}
	}
	return s
}

func (s *fakeStream) PartitionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.partitions))
	for pid := range s.partitions {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStream) CreateConsumer(ctx context.Context, consumerGroup, partitionID string, start StartPosition) (PartitionConsumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}
	s.starts[partitionID] = append(s.starts[partitionID], start)
	return &fakeConsumer{partition: s.partitions[partitionID]}, nil
}

func (s *fakeStream) push(partitionID string, events ...*Event) {
	s.mu.Lock()
	p := s.partitions[partitionID]
	s.mu.Unlock()
	for _, e := range events {
		p.events <- e
	}
}

func (s *fakeStream) failNextReceive(partitionID string, err error) {
	s.mu.Lock()
	p := s.partitions[partitionID]
	s.mu.Unlock()
	p.errs <- err
}

func (s *fakeStream) startPositions(partitionID string) []StartPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StartPosition{}, s.starts[partitionID]...)
}

type fakeConsumer struct {
	partition *fakePartition
}

func (c *fakeConsumer) Receive(ctx context.Context, maxWait time.Duration) ([]*Event, error) {
	select {
	case err := <-c.partition.errs:
		return nil, err
	case event := <-c.partition.events:
		events := []*Event{event}
		// Drain whatever else arrived without waiting.
		for {
			select {
			case more := <-c.partition.events:
				events = append(events, more)
			default:
				return events, nil
			}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxWait):
		return nil, nil
	}
}

func (c *fakeConsumer) Close() error {
	return nil
}

var (
	_ StreamClient      = (*fakeStream)(nil)
	_ PartitionConsumer = (*fakeConsumer)(nil)
)

// captureHandler records every hook invocation and optionally delegates
// ProcessEvents to an override.
type captureHandler struct {
	mu       sync.Mutex
	batches  map[string][][]*Event
	errs     map[string][]error
	closes   map[string][]CloseReason
	onEvents func(ctx context.Context, checkpoint *CheckpointManager, events []*Event) error
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		batches: make(map[string][][]*Event),
		errs:    make(map[string][]error),
		closes:  make(map[string][]CloseReason),
	}
}

func (h *captureHandler) ProcessEvents(ctx context.Context, checkpoint *CheckpointManager, events []*Event) error {
	h.mu.Lock()
	h.batches[checkpoint.PartitionID()] = append(h.batches[checkpoint.PartitionID()], events)
	override := h.onEvents
	h.mu.Unlock()

	if override != nil {
		return override(ctx, checkpoint, events)
	}
	return nil
}

func (h *captureHandler) ProcessError(ctx context.Context, partitionID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs[partitionID] = append(h.errs[partitionID], err)
}

func (h *captureHandler) Close(ctx context.Context, partitionID string, reason CloseReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes[partitionID] = append(h.closes[partitionID], reason)
}

func (h *captureHandler) eventCount(partitionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, batch := range h.batches[partitionID] {
		n += len(batch)
	}
	return n
}

func (h *captureHandler) receivedSequences(partitionID string) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	seqs := []int64{}
	for _, batch := range h.batches[partitionID] {
		for _, e := range batch {
			seqs = append(seqs, e.SequenceNumber)
		}
	}
	return seqs
}

func (h *captureHandler) errorCount(partitionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs[partitionID])
}

func (h *captureHandler) lastError(partitionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.errs[partitionID]); n > 0 {
		return h.errs[partitionID][n-1]
	}
	return nil
}

func (h *captureHandler) closeReasons(partitionID string) []CloseReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CloseReason{}, h.closes[partitionID]...)
}

var _ Handler = (*captureHandler)(nil)
