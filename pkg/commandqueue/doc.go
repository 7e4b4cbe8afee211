// Package commandqueue serializes work per lane with FIFO ordering.
//
// The gateway and the chat service enqueue every turn in the lane named
// after its session id, so two messages for the same session never stream
// concurrently while different sessions proceed in parallel. Lanes are
// created on first use and dropped when idle. A TaskOptions.RequestID makes
// retried requests idempotent for the dedup window.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, sessionID, func(ctx context.Context) (any, error) {
//		return runner.RunTurn(ctx, req)
//	}, nil)
package commandqueue
