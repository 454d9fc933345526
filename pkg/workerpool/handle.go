package workerpool

import (
	"context"
	"sync"
)

// Handle tracks one submitted task. It resolves exactly once.
type Handle struct {
	task Task
	done chan struct{}
	once sync.Once

	result Result
}

func newHandle(t Task) *Handle {
	return &Handle{task: t, done: make(chan struct{})}
}

// Done is closed once the handle has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Index returns the task index.
func (h *Handle) Index() int { return h.task.Index }

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// resolve sets the result; later calls are ignored and report false.
func (h *Handle) resolve(r Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		resolved = true
	})
	return resolved
}
