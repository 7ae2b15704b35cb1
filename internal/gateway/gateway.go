// Package gateway fans live events out to dashboard clients. Each client is a
// cursor-tracking subscription over the event bus; the WebSocket transport
// delivers one JSON record per event in strict sequence order, replays the
// backlog on connect, and keeps disconnected subscriptions resumable for a
// grace window.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/event"
)

// ErrClosed is returned by Next once the gateway has shut down.
var ErrClosed = errors.New("gateway closed")

const (
	// DefaultGrace retains disconnected subscriptions for fast reconnects.
	DefaultGrace = 30 * time.Second

	defaultBatch = 64
	writeTimeout = 10 * time.Second
	pingInterval = 20 * time.Second
)

// Gateway manages live subscriptions. Producers are never blocked by slow
// consumers: a consumer that falls behind simply leaves its cursor behind,
// and bus eviction surfaces as an explicit gap record on its next delivery.
type Gateway struct {
	bus    *bus.Bus
	logger *zap.Logger
	grace  time.Duration
	batch  int

	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription

	upgrader  websocket.Upgrader
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New constructs a Gateway and starts its expiry janitor. grace <= 0 falls
// back to DefaultGrace.
func New(eventBus *bus.Bus, grace time.Duration, logger *zap.Logger) *Gateway {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		bus:    eventBus,
		logger: logger,
		grace:  grace,
		batch:  defaultBatch,
		subs:   make(map[uuid.UUID]*Subscription),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go g.janitor()
	return g
}

// Subscribe registers a fresh subscription positioned after the given
// sequence. A dashboard client typically subscribes at the snapshot's latest
// sequence.
func (g *Gateway) Subscribe(after uint64) *Subscription {
	sub := &Subscription{
		ID:       uuid.New(),
		cursor:   after,
		attached: 1,
	}
	g.mu.Lock()
	g.subs[sub.ID] = sub
	g.mu.Unlock()
	return sub
}

// Resume reattaches to a retained subscription. It returns false when the id
// is unknown or already expired, in which case the caller needs a fresh
// Subscribe plus a snapshot.
func (g *Gateway) Resume(id uuid.UUID) (*Subscription, bool) {
	g.mu.Lock()
	sub, ok := g.subs[id]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	sub.markConnected()
	return sub, true
}

// Disconnect releases one connection's hold on the subscription. Once the
// last connection lets go, the subscription stays resumable until the grace
// window lapses. A teardown racing a resume on the same id therefore cannot
// detach the new connection.
func (g *Gateway) Disconnect(sub *Subscription) {
	sub.markDisconnected(time.Now())
}

// Next blocks until events past the subscription's cursor are available and
// returns up to the gateway's batch size of them in sequence order. gap=true
// means the range was partly evicted and the client should refresh from a
// snapshot. The caller must ack via the returned events' sequences only after
// successful delivery.
func (g *Gateway) Next(ctx context.Context, sub *Subscription) ([]event.Event, bool, error) {
	for {
		events, gap := g.bus.Since(sub.Cursor(), g.batch)
		if len(events) > 0 {
			return events, gap, nil
		}
		ch := g.bus.Notify()
		// Re-check after registering so an append between the first check
		// and Notify is not missed.
		events, gap = g.bus.Since(sub.Cursor(), g.batch)
		if len(events) > 0 {
			g.bus.Done(ch)
			return events, gap, nil
		}
		select {
		case <-ctx.Done():
			g.bus.Done(ch)
			return nil, false, ctx.Err()
		case <-g.stopCh:
			g.bus.Done(ch)
			return nil, false, ErrClosed
		case <-ch:
			g.bus.Done(ch)
		}
	}
}

// Ack records a successful delivery up to seq.
func (g *Gateway) Ack(sub *Subscription, seq uint64) {
	sub.ack(seq)
}

// SubscriptionCount reports live plus grace-retained subscriptions.
func (g *Gateway) SubscriptionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Close stops the janitor and unblocks all waiting consumers.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.stopCh)
	})
	<-g.doneCh
}

func (g *Gateway) janitor() {
	defer close(g.doneCh)
	interval := g.grace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			g.reap(now)
		}
	}
}

func (g *Gateway) reap(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		if sub.expired(now, g.grace) {
			delete(g.subs, id)
			g.logger.Debug("subscription expired", zap.String("subscription_id", id.String()))
		}
	}
}

// helloFrame opens every connection. Snapshot tells the client whether it
// must pull /api/snapshot before trusting the stream (fresh subscriptions
// start at the bus head, so history lives only in the snapshot).
type helloFrame struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	Seq            uint64 `json:"seq"`
	Snapshot       bool   `json:"snapshot"`
}

type gapFrame struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
}

// ServeWS upgrades the connection and streams events. A reconnecting client
// presents its previous subscription id via the "subscription" query
// parameter; an unknown or expired id silently gets a fresh subscription.
// Reconnect-with-backoff is the client's responsibility.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	var (
		sub   *Subscription
		fresh = true
	)
	if raw := r.URL.Query().Get("subscription"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			if resumed, ok := g.Resume(id); ok {
				sub = resumed
				fresh = false
			}
		}
	}
	if sub == nil {
		sub = g.Subscribe(g.bus.Latest())
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Disconnect(sub)
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	logger := g.logger.With(zap.String("subscription_id", sub.ID.String()))
	logger.Info("client connected", zap.Bool("resumed", !fresh))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() {
		g.Disconnect(sub)
		if err := conn.Close(); err != nil {
			logger.Debug("connection close", zap.Error(err))
		}
		logger.Info("client detached")
	}()

	// Serializes the event writer and the keepalive pinger.
	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	hello := helloFrame{
		Type:           "hello",
		SubscriptionID: sub.ID.String(),
		Seq:            sub.Cursor(),
		Snapshot:       fresh,
	}
	if err := writeJSON(hello); err != nil {
		logger.Warn("hello write failed", zap.Error(err))
		return
	}

	// The protocol requires no client payloads; the reader exists to detect
	// the close handshake and network failures.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		events, gap, err := g.Next(ctx, sub)
		if err != nil {
			return
		}
		if gap {
			if err := writeJSON(gapFrame{Type: "gap", TS: time.Now().UTC()}); err != nil {
				logger.Debug("gap write failed", zap.Error(err))
				return
			}
		}
		for _, evt := range events {
			if err := writeJSON(evt); err != nil {
				logger.Debug("event write failed", zap.Error(err))
				return
			}
			g.Ack(sub, evt.Sequence)
		}
	}
}
