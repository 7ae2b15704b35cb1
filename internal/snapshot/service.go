// Package snapshot serves the aggregate state a dashboard needs on first load
// or after a replay gap: every task, the most recent events, and the rollup
// stats.
package snapshot

import (
	"context"
	"fmt"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/event"
	"github.com/serverai/knowledge-engine/internal/registry"
	"github.com/serverai/knowledge-engine/internal/store"
)

// DefaultRecentEvents bounds the event tail included in a snapshot.
const DefaultRecentEvents = 100

// Snapshot is a point-in-time view of the whole system. LatestSequence lets a
// client open its live subscription without replaying events it already has.
type Snapshot struct {
	Tasks          []store.Task       `json:"tasks"`
	RecentEvents   []event.Event      `json:"recent_events"`
	Stats          store.Statistics   `json:"stats"`
	Topics         []store.TopicStats `json:"topics"`
	LatestSequence uint64             `json:"latest_seq"`
}

// Service assembles snapshots. It is a pure read over the registry, bus, and
// article store and is safe to call at any rate.
type Service struct {
	registry *registry.Registry
	bus      *bus.Bus
	articles store.ArticleStore
	recent   int
}

// NewService wires the snapshot sources. recent <= 0 falls back to
// DefaultRecentEvents.
func NewService(reg *registry.Registry, eventBus *bus.Bus, articles store.ArticleStore, recent int) *Service {
	if recent <= 0 {
		recent = DefaultRecentEvents
	}
	return &Service{
		registry: reg,
		bus:      eventBus,
		articles: articles,
		recent:   recent,
	}
}

// Snapshot returns the current aggregate state with no side effects.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := s.articles.Statistics(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rollup stats: %w", err)
	}
	topics, err := s.articles.TopicStats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("topic stats: %w", err)
	}
	return Snapshot{
		Tasks:          s.registry.List(),
		RecentEvents:   s.bus.Recent(s.recent),
		Stats:          stats,
		Topics:         topics,
		LatestSequence: s.bus.Latest(),
	}, nil
}
