// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serverai/knowledge-engine/internal/store"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.TaskStore and store.ArticleStore over a pgx pool.
type Store struct {
	pool dbPool
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewStore connects a pool and returns the Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

// InitSchema creates the crawl_tasks and articles tables when missing.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS crawl_tasks (
			id UUID PRIMARY KEY,
			topic TEXT NOT NULL,
			targets TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS articles (
			id SERIAL PRIMARY KEY,
			url TEXT UNIQUE NOT NULL,
			title TEXT,
			content TEXT NOT NULL,
			topic TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateTask inserts a new crawl_tasks row.
func (s *Store) CreateTask(ctx context.Context, task store.Task) error {
	query := `
		INSERT INTO crawl_tasks (id, topic, targets, status, progress, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.Topic, task.Targets, task.Status,
		task.Progress, task.Error, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites the mutable task columns.
func (s *Store) UpdateTask(ctx context.Context, task store.Task) error {
	query := `
		UPDATE crawl_tasks
		SET status = $2, progress = $3, error = $4, updated_at = $5
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		task.ID, task.Status, task.Progress, task.Error, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetTask loads one task or returns store.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (store.Task, error) {
	query := `
		SELECT id, topic, targets, status, progress, error, created_at, updated_at
		FROM crawl_tasks
		WHERE id = $1;
	`
	var task store.Task
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&task.ID, &task.Topic, &task.Targets, &task.Status,
		&task.Progress, &task.Error, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Task{}, store.ErrNotFound
		}
		return store.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]store.Task, error) {
	query := `
		SELECT id, topic, targets, status, progress, error, created_at, updated_at
		FROM crawl_tasks
		ORDER BY created_at DESC;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		var task store.Task
		if err := rows.Scan(
			&task.ID, &task.Topic, &task.Targets, &task.Status,
			&task.Progress, &task.Error, &task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

// SaveArticle upserts by URL, refreshing content, topic, and updated_at.
func (s *Store) SaveArticle(ctx context.Context, article store.Article) error {
	query := `
		INSERT INTO articles (url, title, content, topic)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			topic = EXCLUDED.topic,
			updated_at = NOW();
	`
	if _, err := s.pool.Exec(ctx, query, article.URL, article.Title, article.Content, article.Topic); err != nil {
		return fmt.Errorf("save article: %w", err)
	}
	return nil
}

// TopicStats recomputes per-topic counts ordered by count descending.
func (s *Store) TopicStats(ctx context.Context) ([]store.TopicStats, error) {
	query := `
		SELECT topic, COUNT(*) AS count, MAX(created_at) AS last_update
		FROM articles
		GROUP BY topic
		ORDER BY count DESC;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("topic stats: %w", err)
	}
	defer rows.Close()

	var out []store.TopicStats
	for rows.Next() {
		var stats store.TopicStats
		if err := rows.Scan(&stats.Name, &stats.Count, &stats.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan topic stats row: %w", err)
		}
		out = append(out, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topic stats rows: %w", err)
	}
	return out, nil
}

// Statistics recomputes the dashboard rollup from articles and crawl_tasks.
func (s *Store) Statistics(ctx context.Context) (store.Statistics, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM articles),
			(SELECT COUNT(DISTINCT topic) FROM articles),
			(SELECT COUNT(DISTINCT SPLIT_PART(url, '/', 3)) FROM articles),
			(SELECT COUNT(*) FROM crawl_tasks WHERE status = 'running'),
			(SELECT MAX(created_at) FROM articles);
	`
	var stats store.Statistics
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.TotalArticles, &stats.TopicsCovered, &stats.SitesCrawled,
		&stats.ActiveCrawlers, &stats.LastUpdate,
	)
	if err != nil {
		return store.Statistics{}, fmt.Errorf("statistics: %w", err)
	}
	return stats, nil
}

// ArticlesByTopic lists recent articles for one topic with content omitted.
func (s *Store) ArticlesByTopic(ctx context.Context, topic string, limit int) ([]store.Article, error) {
	query := `
		SELECT url, COALESCE(title, ''), topic, created_at
		FROM articles
		WHERE topic = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`
	return s.queryArticles(ctx, query, topic, limit)
}

// Search matches query case-insensitively against title and content.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]store.Article, error) {
	stmt := `
		SELECT url, COALESCE(title, ''), topic, created_at
		FROM articles
		WHERE content ILIKE $1 OR title ILIKE $1
		ORDER BY created_at DESC
		LIMIT $2;
	`
	return s.queryArticles(ctx, stmt, "%"+query+"%", limit)
}

func (s *Store) queryArticles(ctx context.Context, query string, args ...any) ([]store.Article, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []store.Article
	for rows.Next() {
		var a store.Article
		if err := rows.Scan(&a.URL, &a.Title, &a.Topic, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan article row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article rows: %w", err)
	}
	return out, nil
}
