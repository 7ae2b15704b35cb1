// Package metrics exports crawl telemetry to Prometheus by consuming the
// event bus like any other subscriber.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/event"
)

// Collector owns the Prometheus collectors and a background loop that tails
// the bus with its own cursor.
type Collector struct {
	eventsTotal  *prometheus.CounterVec
	tasksStarted prometheus.Counter
	tasksDone    *prometheus.CounterVec
	tasksRunning prometheus.Gauge
	pagesFetched *prometheus.CounterVec
	fetchBytes   *prometheus.CounterVec

	bus     *bus.Bus
	tracker *taskTracker

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewCollector registers the collectors against reg and starts tailing the
// bus.
func NewCollector(eventBus *bus.Bus, reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_total",
			Help: "Events appended to the bus partitioned by kind.",
		}, []string{"kind"}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_tasks_started_total",
			Help: "Total crawl tasks that have started.",
		}),
		tasksDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_tasks_finished_total",
			Help: "Total crawl tasks finished partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_tasks_running",
			Help: "Current number of running crawl tasks.",
		}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_pages_fetched_total",
			Help: "Page fetch outcomes partitioned by site and result.",
		}, []string{"site", "result"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		bus:     eventBus,
		tracker: newTaskTracker(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, collector := range []prometheus.Collector{
		c.eventsTotal,
		c.tasksStarted,
		c.tasksDone,
		c.tasksRunning,
		c.pagesFetched,
		c.fetchBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	go c.run()
	return c, nil
}

// Close stops the tail loop and waits for it to exit.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	var cursor uint64
	for {
		events := c.await(ctx, cursor)
		if events == nil {
			return
		}
		for _, evt := range events {
			c.consume(evt)
			cursor = evt.Sequence
		}
	}
}

func (c *Collector) await(ctx context.Context, cursor uint64) []event.Event {
	for {
		events, _ := c.bus.Since(cursor, 0)
		if len(events) > 0 {
			return events
		}
		ch := c.bus.Notify()
		events, _ = c.bus.Since(cursor, 0)
		if len(events) > 0 {
			c.bus.Done(ch)
			return events
		}
		select {
		case <-ctx.Done():
			c.bus.Done(ch)
			return nil
		case <-ch:
			c.bus.Done(ch)
		}
	}
}

func (c *Collector) consume(evt event.Event) {
	c.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
	switch evt.Kind {
	case event.KindCrawlStarted:
		c.tasksStarted.Inc()
		if c.tracker.start(evt.TaskID) {
			c.tasksRunning.Inc()
		}
	case event.KindTaskCompleted:
		c.finish(evt, "completed")
	case event.KindTaskFailed:
		c.finish(evt, "failed")
	case event.KindCrawlCancelled:
		c.finish(evt, "cancelled")
	case event.KindPageFetched:
		c.pagesFetched.WithLabelValues(site(evt), "fetched").Inc()
		if evt.Bytes > 0 {
			c.fetchBytes.WithLabelValues(site(evt)).Add(float64(evt.Bytes))
		}
	case event.KindPageSkipped:
		c.pagesFetched.WithLabelValues(site(evt), "skipped").Inc()
	case event.KindPageError:
		c.pagesFetched.WithLabelValues(site(evt), "error").Inc()
	}
}

func (c *Collector) finish(evt event.Event, result string) {
	c.tasksDone.WithLabelValues(result).Inc()
	if c.tracker.finish(evt.TaskID) {
		c.tasksRunning.Dec()
	}
}

func site(evt event.Event) string {
	if evt.Site == "" {
		return "unknown"
	}
	return evt.Site
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
