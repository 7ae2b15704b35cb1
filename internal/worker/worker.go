// Package worker runs the crawl pipeline: it claims jobs from the queue,
// fetches and classifies pages with colly, persists articles, and reports
// page and progress telemetry through the task registry and event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/event"
	"github.com/serverai/knowledge-engine/internal/registry"
	"github.com/serverai/knowledge-engine/internal/store"
)

// Job is one unit of crawl work claimed off the queue. The task already
// exists in the registry; the worker drives it from running to a terminal
// state.
type Job struct {
	TaskID  uuid.UUID
	Topic   string
	Targets []string
}

// Queue hands jobs to workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close()
}

// Archive stores raw page bodies for later reprocessing.
type Archive interface {
	Save(ctx context.Context, pageURL string, body []byte) (string, error)
}

// Reporter is the slice of the task registry a worker needs. Workers never
// mutate task state except through these operations.
type Reporter interface {
	Get(id uuid.UUID) (store.Task, error)
	ReportProgress(ctx context.Context, id uuid.UUID, value float64) (store.Task, error)
	Complete(ctx context.Context, id uuid.UUID) (store.Task, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (store.Task, error)
}

// minContentLength filters out stub and navigation-only pages.
const minContentLength = 500

// Config tunes the crawl behavior of a single worker.
type Config struct {
	// UserAgent is sent on every request.
	UserAgent string
	// RequestsPerSecond throttles fetches across all sites.
	RequestsPerSecond float64
	// MaxPagesPerSite bounds how far each target is walked.
	MaxPagesPerSite int
	// FetchTimeout applies per HTTP request.
	FetchTimeout time.Duration
}

func (c *Config) fill() {
	if c.UserAgent == "" {
		c.UserAgent = "knowledge-engine/1.0"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.MaxPagesPerSite <= 0 {
		c.MaxPagesPerSite = 25
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
}

// Worker consumes jobs until its context ends.
type Worker struct {
	id         int
	queue      Queue
	registry   Reporter
	articles   store.ArticleStore
	archive    Archive
	bus        *bus.Bus
	classifier *Classifier
	limiter    *rate.Limiter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. archive may be nil when raw page retention is
// disabled.
func New(id int, queue Queue, reg Reporter, articles store.ArticleStore, archive Archive, eventBus *bus.Bus, cfg Config, logger *zap.Logger) *Worker {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:         id,
		queue:      queue,
		registry:   reg,
		articles:   articles,
		archive:    archive,
		bus:        eventBus,
		classifier: NewClassifier(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cfg:        cfg,
		logger:     logger.With(zap.Int("worker_id", id)),
	}
}

// Run dequeues and executes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", zap.Error(err))
			return
		}
		w.execute(ctx, job)
	}
}

// execute crawls every target of the job and drives the task to a terminal
// state. The task was started by whoever enqueued the job; a task no longer
// running (cancelled before the worker got to it) is skipped.
func (w *Worker) execute(ctx context.Context, job Job) {
	logger := w.logger.With(zap.String("task_id", job.TaskID.String()), zap.String("topic", job.Topic))
	logger.Info("job claimed", zap.Int("targets", len(job.Targets)))

	saved := 0
	total := len(job.Targets)
	for i, target := range job.Targets {
		proceed, err := w.awaitRunnable(ctx, job.TaskID)
		if err != nil || !proceed {
			logger.Info("job ended before crawl finished", zap.Error(err))
			return
		}

		n, err := w.crawlSite(ctx, job, target)
		saved += n
		if err != nil {
			logger.Warn("site crawl failed", zap.String("site", target), zap.Error(err))
		}

		progress := float64(i+1) / float64(total) * 100
		if _, err := w.registry.ReportProgress(ctx, job.TaskID, progress); err != nil {
			if errors.Is(err, registry.ErrInvalidTransition) {
				// Paused or externally finished mid-site; the next
				// awaitRunnable call sorts it out.
				continue
			}
			logger.Warn("progress report failed", zap.Error(err))
		}
	}

	if saved == 0 {
		if _, err := w.registry.Fail(ctx, job.TaskID, "no pages were saved"); err != nil {
			logger.Warn("fail transition rejected", zap.Error(err))
		}
		return
	}
	if _, err := w.registry.Complete(ctx, job.TaskID); err != nil {
		logger.Warn("complete transition rejected", zap.Error(err))
		return
	}
	logger.Info("job completed", zap.Int("articles_saved", saved))
}

// awaitRunnable blocks while the task is paused and reports whether the crawl
// should continue. false without error means the task reached a terminal
// state under someone else's control.
func (w *Worker) awaitRunnable(ctx context.Context, id uuid.UUID) (bool, error) {
	for {
		task, err := w.registry.Get(id)
		if err != nil {
			return false, err
		}
		switch task.Status {
		case store.TaskRunning:
			return true, nil
		case store.TaskPaused:
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Second):
			}
		default:
			return false, nil
		}
	}
}

// crawlSite walks one target with colly and returns the number of articles
// saved from it.
func (w *Worker) crawlSite(ctx context.Context, job Job, target string) (int, error) {
	host := hostOf(target)
	saved := 0
	visited := 0

	c := colly.NewCollector(
		colly.UserAgent(w.cfg.UserAgent),
		colly.MaxDepth(2),
		colly.AllowedDomains(host),
	)
	c.SetRequestTimeout(w.cfg.FetchTimeout)

	// The cap counts fetched pages, not saved articles, so a site full of
	// thin pages still stops at MaxPagesPerSite.
	c.OnRequest(func(r *colly.Request) {
		if visited >= w.cfg.MaxPagesPerSite {
			r.Abort()
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			r.Abort()
			return
		}
		visited++
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		pageURL := e.Request.URL.String()
		title := strings.TrimSpace(e.ChildText("head > title"))
		content := strings.TrimSpace(e.ChildText("body"))

		if len(content) < minContentLength {
			w.emitPage(event.KindPageSkipped, job, host, pageURL, int64(len(e.Response.Body)), "content too short")
			return
		}
		topic := job.Topic
		if topic == "" {
			topic = w.classifier.Classify(title, content)
		}
		article := store.Article{
			URL:       pageURL,
			Title:     title,
			Content:   content,
			Topic:     topic,
			CreatedAt: time.Now().UTC(),
		}
		if err := w.articles.SaveArticle(ctx, article); err != nil {
			w.emitPage(event.KindPageError, job, host, pageURL, 0, fmt.Sprintf("save: %v", err))
			return
		}
		if w.archive != nil {
			if _, err := w.archive.Save(ctx, pageURL, e.Response.Body); err != nil {
				w.logger.Debug("archive write failed", zap.String("url", pageURL), zap.Error(err))
			}
		}
		saved++
		w.emitPage(event.KindPageFetched, job, host, pageURL, int64(len(e.Response.Body)), "")
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		// Visit errors (revisits, filtered domains) are expected noise.
		_ = e.Request.Visit(link)
	})

	c.OnError(func(r *colly.Response, err error) {
		w.emitPage(event.KindPageError, job, host, r.Request.URL.String(), 0, err.Error())
	})

	if err := c.Visit(target); err != nil {
		return saved, fmt.Errorf("visit %s: %w", target, err)
	}
	c.Wait()
	return saved, nil
}

func (w *Worker) emitPage(kind event.Kind, job Job, site, pageURL string, bytes int64, reason string) {
	w.bus.Append(event.Event{
		Kind:   kind,
		TaskID: job.TaskID.String(),
		Topic:  job.Topic,
		Site:   site,
		URL:    pageURL,
		Bytes:  bytes,
		Reason: reason,
	})
}

// hostOf returns the bare hostname; colly's domain filter matches without the
// port.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if h := u.Hostname(); h != "" {
		return h
	}
	return u.Host
}
