// Package bus implements the process-wide, append-only event log. It keeps a
// fixed-capacity ring of recent events, assigns the monotonically increasing
// sequence numbers that order them, and serves bounded replays to consumers
// that track their own cursors.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serverai/knowledge-engine/internal/event"
)

// DefaultCapacity matches the dashboard's rolling-window expectation.
const DefaultCapacity = 500

// Bus is an in-memory ordered log of lifecycle events. Append and Since are
// safe under concurrent producers and readers; a single lock around the
// counter is enough since events are small and append is O(1).
type Bus struct {
	mu      sync.Mutex
	ring    []event.Event
	start   int
	size    int
	seq     uint64
	waiters map[chan struct{}]struct{}
	logger  *zap.Logger
}

// New constructs a Bus holding at most capacity events. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ring:    make([]event.Event, capacity),
		waiters: make(map[chan struct{}]struct{}),
		logger:  logger,
	}
}

// Append assigns the next sequence number to evt, stores it, and wakes any
// waiting consumers. Invalid events are dropped with a debug log; the bus is
// the last line of defense, emitters validate first. Appending past capacity
// evicts the oldest event.
func (b *Bus) Append(evt event.Event) uint64 {
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event", zap.Error(err))
		return 0
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}

	b.mu.Lock()
	b.seq++
	evt.Sequence = b.seq
	idx := (b.start + b.size) % len(b.ring)
	if b.size == len(b.ring) {
		b.start = (b.start + 1) % len(b.ring)
		b.ring[idx] = evt
	} else {
		b.ring[idx] = evt
		b.size++
	}
	seq := b.seq
	for ch := range b.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
	return seq
}

// Since returns up to limit events with Sequence > after, oldest first. When
// the requested range has been partly evicted it returns the oldest retained
// events with gap=true so the consumer knows history is incomplete and should
// refresh from a snapshot. limit <= 0 means "up to capacity".
func (b *Bus) Since(after uint64, limit int) ([]event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceLocked(after, limit)
}

// sinceLocked is Since without the locking; b.mu must be held.
func (b *Bus) sinceLocked(after uint64, limit int) ([]event.Event, bool) {
	if limit <= 0 || limit > len(b.ring) {
		limit = len(b.ring)
	}
	if b.size == 0 || after >= b.seq {
		return nil, false
	}

	oldest := b.seq - uint64(b.size) + 1
	gap := after+1 < oldest
	from := after + 1
	if gap {
		from = oldest
	}

	n := int(b.seq - from + 1)
	if n > limit {
		n = limit
	}
	out := make([]event.Event, 0, n)
	offset := int(from - oldest)
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(b.start+offset+i)%len(b.ring)])
	}
	return out, gap
}

// Recent returns the newest n events in order, capped at capacity. The window
// is computed and copied under one critical section so concurrent appends
// cannot shift it mid-read.
func (b *Bus) Recent(n int) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.size == 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}
	evts, _ := b.sinceLocked(b.seq-uint64(n), n)
	return evts
}

// Latest returns the most recently assigned sequence number, zero when the
// bus has never been appended to.
func (b *Bus) Latest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Notify registers a wakeup channel that receives (coalesced) signals on every
// append. Callers must release it with Done. Register before re-checking
// Since to avoid missed wakeups.
func (b *Bus) Notify() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Done deregisters a wakeup channel obtained from Notify.
func (b *Bus) Done(ch chan struct{}) {
	b.mu.Lock()
	delete(b.waiters, ch)
	b.mu.Unlock()
}
