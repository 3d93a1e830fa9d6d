// Package schedule runs cancellable periodic work. Every loop in the cache
// layer (storage monitor, auto refresh, refetch interval, index sync) is a
// Task so its lifecycle is explicit and Stop leaves no goroutine behind.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a periodic function started by Every
type Task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	runs     atomic.Uint64
}

// Every calls fn every interval until Stop is called or ctx is canceled.
// A non-positive interval returns a task that never runs.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if interval <= 0 || fn == nil {
		cancel()
		close(t.done)
		return t
	}

	go t.loop(ctx, interval, fn)
	return t
}

func (t *Task) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
			t.runs.Add(1)
		}
	}
}

// Stop cancels the task and waits for a running fn to return. Safe to call
// more than once and on a nil Task.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(t.cancel)
	<-t.done
}

// Done is closed once the task has stopped
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runs returns how many times fn has completed
func (t *Task) Runs() uint64 {
	return t.runs.Load()
}
