package drover

import "context"

// CloseReason tells the handler why its partition task is shutting down.
type CloseReason string

const (
	// ReasonShutdown indicates an orderly stop of the whole processor.
	ReasonShutdown CloseReason = "SHUTDOWN"
	// ReasonLeaseLost indicates another instance claimed the partition.
	ReasonLeaseLost CloseReason = "LEASE_LOST"
	// ReasonException indicates the partition task failed with an error.
	ReasonException CloseReason = "EXCEPTION"
)

// Handler is the user-supplied processing surface. ProcessEvents might be
// called from multiple goroutines (one per owned partition) and must be
// re-entrant safe across partitions; within one partition, batches arrive in
// order and calls never overlap.
type Handler interface {
	// ProcessEvents handles one batch and may call checkpoint.UpdateCheckpoint
	// to durably record progress.
	ProcessEvents(ctx context.Context, checkpoint *CheckpointManager, events []*Event) error
	// ProcessError is invoked when the partition task fails; the error is
	// isolated to that partition.
	ProcessError(ctx context.Context, partitionID string, err error)
	// Close is invoked exactly once when the partition task terminates.
	Close(ctx context.Context, partitionID string, reason CloseReason)
}

// HandlerFuncs is an adapter to allow the use of ordinary functions as Handler.
// Nil members are treated as no-ops.
type HandlerFuncs struct {
	OnEvents func(ctx context.Context, checkpoint *CheckpointManager, events []*Event) error
	OnError  func(ctx context.Context, partitionID string, err error)
	OnClose  func(ctx context.Context, partitionID string, reason CloseReason)
}

func (h HandlerFuncs) ProcessEvents(ctx context.Context, checkpoint *CheckpointManager, events []*Event) error {
	if h.OnEvents == nil {
		return nil
	}
	return h.OnEvents(ctx, checkpoint, events)
}

func (h HandlerFuncs) ProcessError(ctx context.Context, partitionID string, err error) {
	if h.OnError != nil {
		h.OnError(ctx, partitionID, err)
	}
}

func (h HandlerFuncs) Close(ctx context.Context, partitionID string, reason CloseReason) {
	if h.OnClose != nil {
		h.OnClose(ctx, partitionID, reason)
	}
}

// Assert that HandlerFuncs implements Handler.
var _ Handler = HandlerFuncs{}
