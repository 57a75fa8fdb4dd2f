package interceptor

import (
	"context"
	"sync"

	"google.golang.org/grpc"
)

// QueueInterceptor is a gRPC client interceptor that bounds the number of
// in-flight store RPCs and processes them one by one. It keeps a burst of
// per-partition claim transactions from saturating the store connection.
type QueueInterceptor struct {
	mu    sync.Mutex
	queue chan struct{}
}

// NewQueueInterceptor creates a new QueueInterceptor with a given queue size.
func NewQueueInterceptor(queueSize int) *QueueInterceptor {
	return &QueueInterceptor{
		queue: make(chan struct{}, queueSize),
	}
}

// UnaryInterceptor serializes unary RPCs and enforces the queue limit,
// respecting context cancellation while waiting.
func (qi *QueueInterceptor) UnaryInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case qi.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-qi.queue }()

	qi.mu.Lock()
	defer qi.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return invoker(ctx, method, req, reply, cc, opts...)
}

// StreamInterceptor serializes stream creation and enforces the queue limit.
func (qi *QueueInterceptor) StreamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	qi.queue <- struct{}{}
	defer func() { <-qi.queue }()

	qi.mu.Lock()
	defer qi.mu.Unlock()

	return streamer(ctx, desc, cc, method, opts...)
}
