// Package store declares the persistence contracts for crawl tasks and
// harvested articles, plus the record types shared by implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskStatus mirrors the crawl_tasks status column.
type TaskStatus string

// Task statuses persisted in crawl_tasks.status.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task models one crawl run as persisted in crawl_tasks.
type Task struct {
	// ID is assigned at creation and immutable.
	ID uuid.UUID `json:"id"`
	// Topic labels the crawl scope shown on the dashboard.
	Topic string `json:"topic"`
	// Targets are the seed URLs the worker crawls.
	Targets []string `json:"targets"`
	// Status follows the registry state machine.
	Status TaskStatus `json:"status"`
	// Progress is a percentage in [0,100], non-decreasing while running.
	Progress float64 `json:"progress"`
	// Error holds the final failure reason, nil otherwise.
	Error *string `json:"error,omitempty"`
	// CreatedAt and UpdatedAt bracket the task's lifetime; UpdatedAt advances
	// on every state or progress change.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStore persists authoritative task state. The registry is the single
// writer; implementations only need to be safe for concurrent reads alongside
// registry-serialized writes.
type TaskStore interface {
	// CreateTask inserts a new task row.
	CreateTask(ctx context.Context, task Task) error
	// UpdateTask overwrites status/progress/error/updated_at for task.ID,
	// returning ErrNotFound for unknown ids.
	UpdateTask(ctx context.Context, task Task) error
	// GetTask loads one task or returns ErrNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	// ListTasks returns all tasks, newest first.
	ListTasks(ctx context.Context) ([]Task, error)
}

// Article is one harvested page.
type Article struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// TopicStats is a per-topic rollup row. It is derived data, always equal to a
// recomputation over the articles table.
type TopicStats struct {
	Name       string     `json:"name"`
	Count      int64      `json:"count"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

// Statistics is the dashboard stat-card rollup.
type Statistics struct {
	TotalArticles  int64      `json:"total_articles"`
	ActiveCrawlers int64      `json:"active_crawlers"`
	TopicsCovered  int64      `json:"topics_covered"`
	SitesCrawled   int64      `json:"sites_crawled"`
	LastUpdate     *time.Time `json:"last_update,omitempty"`
}

// ArticleStore persists articles and serves the derived rollups.
type ArticleStore interface {
	// SaveArticle upserts by URL.
	SaveArticle(ctx context.Context, article Article) error
	// TopicStats returns per-topic counts ordered by count descending.
	TopicStats(ctx context.Context) ([]TopicStats, error)
	// Statistics recomputes the dashboard rollup.
	Statistics(ctx context.Context) (Statistics, error)
	// ArticlesByTopic lists recent articles for one topic, content omitted.
	ArticlesByTopic(ctx context.Context, topic string, limit int) ([]Article, error)
	// Search matches query against title and content, newest first.
	Search(ctx context.Context, query string, limit int) ([]Article, error)
}
