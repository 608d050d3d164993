package client

import (
	"log/slog"
	"sync"
)

// dispatcher runs callbacks one at a time in the order they were queued.
// Whoever finds it idle drains the queue on its own goroutine, so a callback
// may call back into the Client without deadlocking.
type dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.call(fn)
		d.mu.Lock()
	}
	d.running = false
	d.mu.Unlock()
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener_panicked", "panic", r)
		}
	}()
	fn()
}
