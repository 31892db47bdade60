package loader

import (
	"context"
	"sync"

	"github.com/justapithecus/framefetch/types"
)

// Task is the handle for one started fetch.
//
// A task resolves exactly once. Waiters may attach at any time; Wait returns
// the same frame (or error) to all of them. A task started with Start carries
// a cancellation hook; a task started with StartDetached does not, and Cancel
// leaves it running.
type Task struct {
	done chan struct{}

	mu       sync.Mutex
	frame    *types.Frame
	err      error
	cancel   context.CancelFunc // nil when the loader supplied no hook
	canceled bool
}

// FetchFn performs a blocking fetch. It should honor ctx cancellation.
type FetchFn func(ctx context.Context) (*types.Frame, error)

// Start runs fn on its own goroutine and returns a task whose cancellation
// hook cancels fn's context.
func Start(ctx context.Context, fn FetchFn) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		frame, err := fn(ctx)
		t.finish(frame, err)
	}()
	return t
}

// StartDetached runs fn on its own goroutine without a cancellation hook.
// fn sees a context that is never canceled by the task.
func StartDetached(ctx context.Context, fn FetchFn) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		frame, err := fn(context.WithoutCancel(ctx))
		t.finish(frame, err)
	}()
	return t
}

// Resolved returns a task already completed with frame.
func Resolved(frame *types.Frame) *Task {
	t := &Task{done: make(chan struct{})}
	t.finish(frame, nil)
	return t
}

// Failed returns a task already completed with err.
func Failed(err error) *Task {
	t := &Task{done: make(chan struct{})}
	t.finish(nil, err)
	return t
}

func (t *Task) finish(frame *types.Frame, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		frame, err = nil, types.ErrCanceled
	}
	t.frame, t.err = frame, err
	close(t.done)
}

// Done is closed when the task resolves.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task resolves or ctx is done.
// A canceled task yields types.ErrCanceled.
func (t *Task) Wait(ctx context.Context) (*types.Frame, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.frame, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel invokes the cancellation hook if the task has one and has not yet
// resolved. Returns true if the hook was invoked.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.cancel == nil || t.canceled {
		t.mu.Unlock()
		return false
	}
	select {
	case <-t.done:
		t.mu.Unlock()
		return false
	default:
	}
	t.canceled = true
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	return true
}

// Cancelable reports whether the task carries a cancellation hook.
func (t *Task) Cancelable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
