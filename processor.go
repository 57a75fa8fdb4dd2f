package drover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	defaultLeaseDuration   = 30 * time.Second
	defaultMaxWaitTime     = 1 * time.Second
	defaultReclaimInterval = 10 * time.Second
	defaultStopTimeout     = 10 * time.Second
)

// Processor is the top-level control loop tying partition discovery, ownership
// claiming, and consumer supervision together. Every instance carries its own
// state; multiple processors can coexist in one process.
type Processor struct {
	streamID      string
	consumerGroup string
	ownerID       string

	stream     StreamClient
	store      CheckpointStore
	handler    Handler
	ownership  *ownershipManager
	supervisor *supervisor

	reclaimInterval time.Duration

	mu         sync.Mutex
	started    bool
	stopped    bool
	procCtx    context.Context
	procCancel context.CancelFunc
}

// NewProcessor creates a processor for one (stream, consumer group) pair. The
// returned Processor is ready to start processing with Start or Run. A random
// owner ID, stable for the processor's lifetime, is generated at construction
// and used in every ownership and checkpoint write.
func NewProcessor(
	stream StreamClient,
	streamID, consumerGroup string,
	store CheckpointStore,
	handler Handler,
	options ...Option,
) *Processor {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	c := &config{
		leaseDuration:   defaultLeaseDuration,
		maxWaitTime:     defaultMaxWaitTime,
		reclaimInterval: defaultReclaimInterval,
		stopTimeout:     defaultStopTimeout,
		logLevel:        zerolog.InfoLevel, // Default log level
	}
	for _, o := range options {
		o.Apply(c)
	}
	zerolog.SetGlobalLevel(c.logLevel)

	ownerID := uuid.NewString()

	return &Processor{
		streamID:        streamID,
		consumerGroup:   consumerGroup,
		ownerID:         ownerID,
		stream:          stream,
		store:           store,
		handler:         handler,
		ownership:       newOwnershipManager(store, streamID, consumerGroup, ownerID, c.leaseDuration),
		supervisor:      newSupervisor(stream, handler, consumerGroup, c.maxWaitTime, c.initialPosition, c.stopTimeout),
		reclaimInterval: c.reclaimInterval,
	}
}

// OwnerID returns this instance's identifier.
func (p *Processor) OwnerID() string {
	return p.ownerID
}

// TaskStates returns a snapshot of the lifecycle state of every partition task
// this instance has created.
func (p *Processor) TaskStates() map[string]TaskState {
	return p.supervisor.taskStates()
}

// Start discovers partitions, claims this instance's candidates, and starts a
// consumer task for each claimed partition. It returns once the initial
// claim-and-start pass completes; transient store failures are retried with
// exponential backoff. Ongoing renewal happens only on subsequent claim
// passes, see Run.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	// Task lifetimes are bound to Stop, not to the Start caller's context.
	p.procCtx, p.procCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Unlock()

	log.Debug().
		Str("stream_id", p.streamID).
		Str("consumer_group", p.consumerGroup).
		Str("owner_id", p.ownerID).
		Msg("starting event processor")

	operation := func() error {
		err := p.claimPass(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// Run performs the initial Start pass and then repeats the claim pass on the
// reclaim interval, renewing owned leases, claiming newly-stale partitions,
// and stopping tasks whose lease was lost. It blocks until the context is
// canceled, then stops the processor.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	procCtx := p.procCtx
	p.mu.Unlock()

	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := p.claimPass(ctx)
			switch {
			case err == nil:
				// continue
			case errors.Is(err, ErrStoreUnavailable):
				log.Warn().Err(err).Msg("claim pass failed, retrying on next interval")
			default:
				stopErr := p.Stop(context.WithoutCancel(ctx))
				return errors.Join(err, stopErr)
			}
		case <-procCtx.Done():
			// Stop was called directly; a stopped instance must not keep
			// renewing leases it no longer serves.
			return nil
		case <-ctx.Done():
			if err := p.Stop(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

// Stop signals cancellation to every running partition task, waits for them to
// acknowledge termination (bounded per task), and releases the store.
// Idempotent: the second call is a no-op.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.procCancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.supervisor.stopAll(ReasonShutdown)

	if err := p.store.Close(); err != nil {
		return fmt.Errorf("close checkpoint store: %w", err)
	}

	log.Debug().Str("owner_id", p.ownerID).Msg("event processor stopped")
	return nil
}

// claimPass runs one discover/claim/start cycle. Claim decisions are never
// issued concurrently with each other for the same instance.
func (p *Processor) claimPass(ctx context.Context) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil
	}

	partitionIDs, err := p.stream.PartitionIDs(ctx)
	if err != nil {
		return fmt.Errorf("discover partitions: %w", err)
	}

	ownerships, err := p.ownership.listOwnership(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	// A live claim by another owner over a partition we are still consuming
	// means our lease was taken; the task is stopped the same way an explicit
	// stop would, with reason LEASE_LOST.
	active := p.supervisor.activePartitions()
	for _, o := range ownerships {
		if active[o.PartitionID] && o.OwnerID != p.ownerID && !o.Expired(p.ownership.leaseDuration, now) {
			log.Info().
				Str("partition_id", o.PartitionID).
				Str("new_owner_id", o.OwnerID).
				Msg("partition lease lost")
			p.supervisor.stop(o.PartitionID, ReasonLeaseLost)
		}
	}

	candidates := p.ownership.candidates(partitionIDs, ownerships, now)
	claimed, err := p.ownership.claim(ctx, candidates)
	if err != nil {
		return err
	}

	p.mu.Lock()
	procCtx := p.procCtx
	stopped = p.stopped
	p.mu.Unlock()
	if stopped {
		return nil
	}

	for _, o := range claimed {
		checkpoint := newCheckpointManager(p.store, o.StreamID, o.ConsumerGroup, o.PartitionID, p.ownerID)
		p.supervisor.start(procCtx, o, checkpoint)
	}

	return nil
}
