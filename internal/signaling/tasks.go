package signaling

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// taskGroup runs fire-and-forget tasks that must outlive the request that
// enqueued them. The handoff contract is only that a task is enqueued before
// the response is sent, never that it completes.
type taskGroup struct {
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newTaskGroup(log *slog.Logger) *taskGroup {
	return &taskGroup{log: log}
}

// Go enqueues fn. It reports false when the group is already draining, in
// which case fn is not run.
func (g *taskGroup) Go(fn func()) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				g.log.Error("panic in background task", "recover", rec, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
	return true
}

// Drain stops accepting tasks and waits for in-flight ones, bounded by ctx.
func (g *taskGroup) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
