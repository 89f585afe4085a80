// Package dispatch decides when sync cycles run. Push and pull each have a
// dispatcher that debounces its input signals, keeps at most one cycle in
// flight and backs off after failures.
package dispatch

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of values: each Trigger restarts the window and
// only the latest value is emitted once the window elapses quietly.
type Debouncer[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	gen     uint64
	latest  T
	out     chan T
	stopped bool
}

func NewDebouncer[T any](window time.Duration) *Debouncer[T] {
	return &Debouncer[T]{
		window: window,
		out:    make(chan T, 1),
	}
}

// C emits settled values. An unread settled value is replaced by a newer one.
func (d *Debouncer[T]) C() <-chan T {
	return d.out
}

func (d *Debouncer[T]) Trigger(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest = v
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() {
		d.fire(gen)
	})
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// a Trigger that raced with the timer owns a newer window
	if d.stopped || gen != d.gen {
		return
	}
	select {
	case <-d.out:
	default:
	}
	d.out <- d.latest
}

// Stop cancels the pending window. Later Triggers are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
