package drover

import "errors"

var (
	// ErrStoreUnavailable indicates a transient connectivity or availability failure
	// from the checkpoint store. Callers may retry with backoff.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")

	// ErrCheckpointWrite indicates the store failed while persisting progress.
	// The processing callback decides whether to retry the batch or accept
	// at-least-once duplication.
	ErrCheckpointWrite = errors.New("checkpoint write failed")

	// ErrReceive indicates a stream-backend failure during receive. It is isolated
	// to the single partition task that observed it.
	ErrReceive = errors.New("stream receive failed")

	// ErrAlreadyStarted is returned when Start is called on a Processor that has
	// already been started.
	ErrAlreadyStarted = errors.New("processor already started")
)
