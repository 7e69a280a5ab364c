package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the queue. Among ready tasks, strictly higher
// priority is served first; equal priorities are FIFO by enqueue time.
type Priority int

const (
	PriorityHigh Priority = iota + 1
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Unit is the work a background task performs. The context carries the
// per-task execution timeout and is cancelled on forced shutdown.
type Unit func(ctx context.Context) (any, error)

// task is owned by the queue until a worker dequeues it; after that exactly
// one worker drives it to resolution or back into the queue for a retry.
type task struct {
	id         string
	priority   Priority
	unit       Unit
	handle     *Handle
	retryCount int
	createdAt  time.Time
	seq        uint64
}

func newTask(unit Unit, priority Priority) *task {
	return &task{
		id:        uuid.NewString(),
		priority:  priority,
		unit:      unit,
		handle:    newHandle(),
		createdAt: time.Now(),
	}
}

// Handle is the caller's future for a background task. It resolves exactly
// once, whether with the task's result, its permanent failure, or a
// cancellation on shutdown, and never hangs a waiting caller.
type Handle struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Resolved returns an already-resolved Handle carrying result. Used for
// cache hits where no background work is needed.
func Resolved(result any) *Handle {
	h := newHandle()
	h.resolve(result, nil)
	return h
}

func (h *Handle) resolve(result any, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handle has resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the task outcome. It is only meaningful after Done is
// closed; before that it returns nils.
func (h *Handle) Result() (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the handle resolves or ctx expires.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
