package upstream

import (
	"context"
	"sync"
)

const defaultDispatchBuffer = 256

// Dispatcher delivers events in order to one callback and buffers events
// produced before the callback is registered. Adapters embed it.
type Dispatcher struct {
	events chan Event
	done   chan struct{}

	mu         sync.Mutex
	subscribed bool
	finished   bool
	err        error
}

// NewDispatcher creates a dispatcher with room for size undelivered events.
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = defaultDispatchBuffer
	}
	return &Dispatcher{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Emit queues ev for delivery. It blocks while the buffer is full and gives
// up when ctx is done. Emit must not be called after Finish.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal error and closes the event stream. Only the
// first call has an effect. The producer must have stopped calling Emit.
func (d *Dispatcher) Finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.finished = true
	d.err = err
	close(d.events)
}

// OnEvent registers fn and starts delivery.
func (d *Dispatcher) OnEvent(fn func(Event)) error {
	d.mu.Lock()
	if d.subscribed {
		d.mu.Unlock()
		return ErrAlreadySubscribed
	}
	d.subscribed = true
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for ev := range d.events {
			fn(ev)
		}
	}()
	return nil
}

// Done is closed once the callback has received every event emitted before
// Finish. It never fires for a dispatcher without a callback.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the error passed to Finish.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
