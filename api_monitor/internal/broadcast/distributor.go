// Package broadcast fans snapshots out to live subscribers.
package broadcast

import (
	"sync"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 16

// Hooks are optional callbacks for metrics
type Hooks struct {
	OnSubscribe   func(count int)
	OnUnsubscribe func(count int)
	// OnDrop fires when a stalled subscriber is evicted
	OnDrop func(count int)
}

// Distributor delivers every published snapshot to each subscriber's
// buffered channel. Publish never blocks: a subscriber whose buffer is full
// is evicted and its channel closed, so one slow consumer cannot delay the
// others or the publisher. Delivered snapshots are shared and must be
// treated as read-only.
type Distributor struct {
	mu     sync.Mutex
	subs   map[uint64]chan monitor.Snapshot
	nextID uint64
	buffer int
	closed bool
	hooks  Hooks
	logger logging.Logger
}

func New(buffer int, hooks Hooks, logger logging.Logger) *Distributor {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Distributor{
		subs:   make(map[uint64]chan monitor.Snapshot),
		buffer: buffer,
		hooks:  hooks,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// is safe to call more than once. After Close the channel comes back closed.
func (d *Distributor) Subscribe() (<-chan monitor.Snapshot, func()) {
	ch := make(chan monitor.Snapshot, d.buffer)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	count := len(d.subs)
	d.mu.Unlock()

	if d.hooks.OnSubscribe != nil {
		d.hooks.OnSubscribe(count)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() { d.remove(id, false) })
	}
}

func (d *Distributor) remove(id uint64, stalled bool) {
	d.mu.Lock()
	ch, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
		close(ch)
	}
	count := len(d.subs)
	d.mu.Unlock()

	if !ok {
		return
	}
	if stalled {
		d.logger.WithField("subscriber", id).Warn("Dropped stalled live subscriber")
		if d.hooks.OnDrop != nil {
			d.hooks.OnDrop(count)
		}
	} else if d.hooks.OnUnsubscribe != nil {
		d.hooks.OnUnsubscribe(count)
	}
}

// Publish offers s to every subscriber and returns how many accepted it
func (d *Distributor) Publish(s monitor.Snapshot) int {
	var stalled []uint64
	delivered := 0

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	for id, ch := range d.subs {
		select {
		case ch <- s:
			delivered++
		default:
			stalled = append(stalled, id)
		}
	}
	d.mu.Unlock()

	for _, id := range stalled {
		d.remove(id, true)
	}
	return delivered
}

// Count returns the number of live subscribers
func (d *Distributor) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (d *Distributor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
}
