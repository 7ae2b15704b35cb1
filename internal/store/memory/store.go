// Package memory provides store implementations for local development and
// tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serverai/knowledge-engine/internal/store"
)

// Store keeps tasks and articles in process memory. It implements both
// store.TaskStore and store.ArticleStore.
type Store struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]store.Task
	articles map[string]store.Article
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]store.Task),
		articles: make(map[string]store.Article),
	}
}

// CreateTask inserts a copy of task.
func (s *Store) CreateTask(_ context.Context, task store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// UpdateTask overwrites the stored row or returns store.ErrNotFound.
func (s *Store) UpdateTask(_ context.Context, task store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask loads one task or returns store.ErrNotFound.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return cloneTask(task), nil
}

// ListTasks returns all tasks ordered by creation time, newest first.
func (s *Store) ListTasks(_ context.Context) ([]store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SaveArticle upserts by URL, refreshing content and topic.
func (s *Store) SaveArticle(_ context.Context, article store.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.articles[article.URL]; ok {
		article.CreatedAt = existing.CreatedAt
	} else if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}
	s.articles[article.URL] = article
	return nil
}

// TopicStats recomputes per-topic counts ordered by count descending.
func (s *Store) TopicStats(_ context.Context) ([]store.TopicStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byTopic := make(map[string]*store.TopicStats)
	for _, a := range s.articles {
		stats, ok := byTopic[a.Topic]
		if !ok {
			stats = &store.TopicStats{Name: a.Topic}
			byTopic[a.Topic] = stats
		}
		stats.Count++
		if stats.LastUpdate == nil || a.CreatedAt.After(*stats.LastUpdate) {
			ts := a.CreatedAt
			stats.LastUpdate = &ts
		}
	}
	out := make([]store.TopicStats, 0, len(byTopic))
	for _, stats := range byTopic {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Statistics recomputes the dashboard rollup.
func (s *Store) Statistics(_ context.Context) (store.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := store.Statistics{TotalArticles: int64(len(s.articles))}
	topics := make(map[string]struct{})
	sites := make(map[string]struct{})
	for _, a := range s.articles {
		topics[a.Topic] = struct{}{}
		sites[hostOf(a.URL)] = struct{}{}
		if stats.LastUpdate == nil || a.CreatedAt.After(*stats.LastUpdate) {
			ts := a.CreatedAt
			stats.LastUpdate = &ts
		}
	}
	stats.TopicsCovered = int64(len(topics))
	stats.SitesCrawled = int64(len(sites))
	for _, task := range s.tasks {
		if task.Status == store.TaskRunning {
			stats.ActiveCrawlers++
		}
	}
	return stats, nil
}

// ArticlesByTopic lists recent articles for one topic with content omitted.
func (s *Store) ArticlesByTopic(_ context.Context, topic string, limit int) ([]store.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Article
	for _, a := range s.articles {
		if a.Topic == topic {
			a.Content = ""
			out = append(out, a)
		}
	}
	sortNewest(out)
	return capped(out, limit), nil
}

// Search matches query case-insensitively against title and content.
func (s *Store) Search(_ context.Context, query string, limit int) ([]store.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	var out []store.Article
	for _, a := range s.articles {
		if strings.Contains(strings.ToLower(a.Title), needle) ||
			strings.Contains(strings.ToLower(a.Content), needle) {
			a.Content = ""
			out = append(out, a)
		}
	}
	sortNewest(out)
	return capped(out, limit), nil
}

func cloneTask(task store.Task) store.Task {
	cp := task
	if task.Targets != nil {
		cp.Targets = append([]string(nil), task.Targets...)
	}
	if task.Error != nil {
		msg := *task.Error
		cp.Error = &msg
	}
	return cp
}

func sortNewest(articles []store.Article) {
	sort.Slice(articles, func(i, j int) bool {
		return articles[i].CreatedAt.After(articles[j].CreatedAt)
	})
}

func capped(articles []store.Article, limit int) []store.Article {
	if limit > 0 && len(articles) > limit {
		return articles[:limit]
	}
	return articles
}

func hostOf(rawURL string) string {
	rest := rawURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}
