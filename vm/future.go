package vm

import "sync"

// ---------------------------------------------------------------------------
// Future: single-assignment result cell
// ---------------------------------------------------------------------------

// Future is a single-assignment cell completed with either a value or an
// exception handle. Completion callbacks run exactly once, on the
// goroutine that completes the future (or immediately, when registered
// after completion). Services use callbacks only to enqueue responses,
// never to run user code.
type Future struct {
	mu        sync.Mutex
	done      bool
	value     *Handle
	fault     *Handle
	doneCh    chan struct{}
	callbacks []func(value, fault *Handle)
}

// NewFuture creates a pending future.
func NewFuture() *Future {
	return &Future{doneCh: make(chan struct{})}
}

// CompletedFuture returns a future already resolved with the value.
func CompletedFuture(h *Handle) *Future {
	f := NewFuture()
	f.Complete(h)
	return f
}

// Complete resolves the future with a value. Reports false if the future
// was already completed; late completions are dropped.
func (f *Future) Complete(h *Handle) bool {
	return f.settle(h, nil)
}

// Fail resolves the future with an exception handle.
func (f *Future) Fail(ex *Handle) bool {
	return f.settle(nil, ex)
}

func (f *Future) settle(value, fault *Handle) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.value = value
	f.fault = fault
	cbs := f.callbacks
	f.callbacks = nil
	close(f.doneCh)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(value, fault)
	}
	return true
}

// IsDone reports whether the future has been completed.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Peek returns the outcome without blocking. done is false while the
// future is pending.
func (f *Future) Peek() (value, fault *Handle, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.fault, f.done
}

// WhenComplete registers a completion callback. A callback registered
// after completion runs immediately on the caller's goroutine.
func (f *Future) WhenComplete(cb func(value, fault *Handle)) {
	f.mu.Lock()
	if !f.done {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, fault := f.value, f.fault
	f.mu.Unlock()
	cb(value, fault)
}

// Await blocks the calling goroutine until completion. This is the host
// embedding surface; fibers never block here, they wait through the
// scheduler.
func (f *Future) Await() (value, fault *Handle) {
	<-f.doneCh
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.fault
}

// Done exposes the completion channel for host-side selection.
func (f *Future) Done() <-chan struct{} { return f.doneCh }

// allComplete invokes the callback once every future has completed. On
// the first failure the callback fires immediately with that fault;
// remaining completions are ignored.
func allComplete(futures []*Future, cb func(fault *Handle)) {
	if len(futures) == 0 {
		cb(nil)
		return
	}
	var mu sync.Mutex
	remaining := len(futures)
	fired := false
	for _, fut := range futures {
		fut.WhenComplete(func(_, fault *Handle) {
			mu.Lock()
			if fired {
				mu.Unlock()
				return
			}
			remaining--
			if fault != nil || remaining == 0 {
				fired = true
				mu.Unlock()
				cb(fault)
				return
			}
			mu.Unlock()
		})
	}
}
