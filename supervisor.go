package drover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskState represents the lifecycle state of one partition consumer task.
type TaskState string

const (
	// TaskStarting indicates the task is created but not yet consuming.
	TaskStarting TaskState = "STARTING"
	// TaskRunning indicates the receive loop is active.
	TaskRunning TaskState = "RUNNING"
	// TaskStopping indicates a stop was requested and the loop is draining.
	TaskStopping TaskState = "STOPPING"
	// TaskStopped indicates the task terminated. Terminal; a re-claim creates
	// a brand-new task.
	TaskStopped TaskState = "STOPPED"
	// TaskFailed indicates the task hit an unrecoverable error and is about
	// to transition to TaskStopped.
	TaskFailed TaskState = "FAILED"
)

type partitionTask struct {
	partitionID string
	cancel      context.CancelFunc
	done        chan struct{}

	mu     sync.Mutex
	state  TaskState
	reason CloseReason
}

func (t *partitionTask) setState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *partitionTask) currentState() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *partitionTask) terminated() bool {
	return t.currentState() == TaskStopped
}

// requestStop records the close reason and cancels the task context. The
// reason set by the first stop request wins.
func (t *partitionTask) requestStop(reason CloseReason) {
	t.mu.Lock()
	if t.state != TaskStopped && t.state != TaskStopping {
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *partitionTask) closeReason() CloseReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// supervisor maintains exactly one active receive loop per currently-owned
// partition. Partition failures are isolated: a failed task never affects
// other partitions or the orchestrator.
type supervisor struct {
	stream        StreamClient
	handler       Handler
	consumerGroup string
	maxWaitTime   time.Duration
	initial       StartPosition
	stopTimeout   time.Duration

	mu    sync.Mutex
	tasks map[string]*partitionTask
}

func newSupervisor(stream StreamClient, handler Handler, consumerGroup string, maxWaitTime time.Duration, initial StartPosition, stopTimeout time.Duration) *supervisor {
	return &supervisor{
		stream:        stream,
		handler:       handler,
		consumerGroup: consumerGroup,
		maxWaitTime:   maxWaitTime,
		initial:       initial,
		stopTimeout:   stopTimeout,
		tasks:         make(map[string]*partitionTask),
	}
}

// start begins consuming the partition as an independent goroutine. It never
// blocks the caller. A partition that already has a live task is a no-op.
func (s *supervisor) start(ctx context.Context, ownership *PartitionOwnership, checkpoint *CheckpointManager) {
	s.mu.Lock()
	if existing, ok := s.tasks[ownership.PartitionID]; ok && !existing.terminated() {
		s.mu.Unlock()
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &partitionTask{
		partitionID: ownership.PartitionID,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       TaskStarting,
		reason:      ReasonShutdown,
	}
	s.tasks[ownership.PartitionID] = task
	s.mu.Unlock()

	go s.run(taskCtx, task, ownership, checkpoint)
}

// stop requests graceful shutdown of the partition's loop and waits for
// acknowledgement, bounded by the stop timeout.
func (s *supervisor) stop(partitionID string, reason CloseReason) {
	s.mu.Lock()
	task := s.tasks[partitionID]
	s.mu.Unlock()

	if task == nil || task.terminated() {
		return
	}

	task.requestStop(reason)
	s.await(task)
}

// stopAll cancels every live task first, then waits for each in turn so the
// drains overlap.
func (s *supervisor) stopAll(reason CloseReason) {
	s.mu.Lock()
	tasks := make([]*partitionTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.terminated() {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.requestStop(reason)
	}
	for _, t := range tasks {
		s.await(t)
	}
}

func (s *supervisor) await(task *partitionTask) {
	select {
	case <-task.done:
	case <-time.After(s.stopTimeout):
		log.Warn().
			Str("partition_id", task.partitionID).
			Dur("timeout", s.stopTimeout).
			Msg("partition task did not acknowledge stop in time")
	}
}

// taskStates returns a snapshot of every known task's state.
func (s *supervisor) taskStates() map[string]TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]TaskState, len(s.tasks))
	for pid, t := range s.tasks {
		states[pid] = t.currentState()
	}
	return states
}

// activePartitions returns the partitions with a live (non-terminated) task.
func (s *supervisor) activePartitions() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]bool, len(s.tasks))
	for pid, t := range s.tasks {
		if !t.terminated() {
			active[pid] = true
		}
	}
	return active
}

func (s *supervisor) run(ctx context.Context, task *partitionTask, ownership *PartitionOwnership, checkpoint *CheckpointManager) {
	defer close(task.done)

	start := s.initial
	if ownership.HasCheckpoint() {
		start = StartPosition{Offset: ownership.Offset}
	}

	consumer, err := s.stream.CreateConsumer(ctx, s.consumerGroup, ownership.PartitionID, start)
	if err != nil {
		s.fail(ctx, task, fmt.Errorf("%w: create consumer: %w", ErrReceive, err))
		return
	}
	defer consumer.Close()

	task.setState(TaskRunning)
	log.Debug().
		Str("partition_id", task.partitionID).
		Str("owner_id", ownership.OwnerID).
		Int64("owner_level", ownership.OwnerLevel).
		Msg("partition task running")

	for {
		// Cancellation is observed at the top of the iteration, never
		// mid-batch-processing.
		select {
		case <-ctx.Done():
			task.setState(TaskStopping)
			s.handler.Close(context.WithoutCancel(ctx), task.partitionID, task.closeReason())
			task.setState(TaskStopped)
			log.Debug().
				Str("partition_id", task.partitionID).
				Str("reason", string(task.closeReason())).
				Msg("partition task stopped")
			return
		default:
		}

		events, err := consumer.Receive(ctx, s.maxWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled while waiting; the loop top handles the close.
				continue
			}
			s.fail(ctx, task, fmt.Errorf("%w: %w", ErrReceive, err))
			return
		}
		if len(events) == 0 {
			continue
		}

		if err := s.dispatch(ctx, checkpoint, events); err != nil {
			s.fail(ctx, task, err)
			return
		}
	}
}

// dispatch delivers one batch to the handler, converting a panicking callback
// into an ordinary task failure.
func (s *supervisor) dispatch(ctx context.Context, checkpoint *CheckpointManager, events []*Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler.ProcessEvents(ctx, checkpoint, events)
}

// fail terminates the task with reason EXCEPTION, reporting the error to the
// handler. Other partitions are unaffected.
func (s *supervisor) fail(ctx context.Context, task *partitionTask, err error) {
	task.setState(TaskFailed)
	log.Error().
		Err(err).
		Str("partition_id", task.partitionID).
		Msg("partition task failed")

	hookCtx := context.WithoutCancel(ctx)
	s.handler.ProcessError(hookCtx, task.partitionID, err)
	s.handler.Close(hookCtx, task.partitionID, ReasonException)
	task.setState(TaskStopped)
}
