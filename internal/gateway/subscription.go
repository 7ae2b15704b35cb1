package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription is one logical client's position in the event bus: a cursor
// over an append-only log rather than a live callback registration. It
// survives transient disconnects for the gateway's grace window so a fast
// reconnect resumes without a gap.
type Subscription struct {
	// ID is the resume token a client presents on reconnect.
	ID uuid.UUID

	mu     sync.Mutex
	cursor uint64
	// attached counts live connections. A client can resume before its old
	// half-dead socket finishes tearing down, so the count is briefly 2;
	// only the drop back to zero starts the grace clock.
	attached int
	lastSeen time.Time
}

// Cursor returns the last delivered sequence.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// ack advances the cursor after a successful delivery. Deliveries are
// per-subscription strictly increasing, so a stale ack is ignored.
func (s *Subscription) ack(seq uint64) {
	s.mu.Lock()
	if seq > s.cursor {
		s.cursor = seq
	}
	s.mu.Unlock()
}

func (s *Subscription) markConnected() {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
}

func (s *Subscription) markDisconnected(now time.Time) {
	s.mu.Lock()
	if s.attached > 0 {
		s.attached--
	}
	if s.attached == 0 {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

// expired reports whether a fully detached subscription has outlived the
// grace window.
func (s *Subscription) expired(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached == 0 && now.Sub(s.lastSeen) > grace
}
