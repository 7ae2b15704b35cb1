package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serverai/knowledge-engine/internal/registry"
	"github.com/serverai/knowledge-engine/internal/store"
	"github.com/serverai/knowledge-engine/internal/worker"
)

const defaultArticleLimit = 50

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Snapshot(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, snap)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.articles.Statistics(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "stats query failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, stats)
}

func (s *Server) getTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.articles.TopicStats(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "topics query failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"topics": topics})
}

func (s *Server) getArticlesByTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	articles, err := s.articles.ArticlesByTopic(r.Context(), topic, queryLimit(r))
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "articles query failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"topic": topic, "articles": articles})
}

func (s *Server) searchArticles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(s.logger, w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	articles, err := s.articles.Search(r.Context(), query, queryLimit(r))
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"query": query, "articles": articles})
}

// getLogs returns the tail of the event log, newest last, for the dashboard's
// activity pane. n is capped by the bus capacity.
func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"events": s.bus.Recent(n)})
}

type crawlerStartRequest struct {
	Topic   string   `json:"topic"`
	Targets []string `json:"targets"`
}

// crawlerStart creates a task, starts it, and hands it to the worker pool.
// Targets default to the configured crawl list.
func (s *Server) crawlerStart(w http.ResponseWriter, r *http.Request) {
	var req crawlerStartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	targets := req.Targets
	if len(targets) == 0 {
		targets = s.cfg.Crawler.Targets
	}
	if len(targets) == 0 {
		writeError(s.logger, w, http.StatusBadRequest, "no crawl targets configured")
		return
	}

	task, err := s.registry.Create(r.Context(), req.Topic, targets)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "create task failed")
		return
	}
	task, err = s.registry.Start(r.Context(), task.ID)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	job := worker.Job{TaskID: task.ID, Topic: task.Topic, Targets: task.Targets}
	if err := s.dispatcher.Enqueue(queueCtx, job); err != nil {
		// The task stays running with no worker; surface the queue pressure
		// and let the operator cancel or retry.
		s.logger.Error("enqueue failed after start", zap.String("task_id", task.ID.String()), zap.Error(err))
		writeError(s.logger, w, http.StatusServiceUnavailable, "crawl queue is full")
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"task": task})
}

// crawlerStop cancels every non-terminal task. One task refusing to cancel
// must not leave the rest of the sweep untouched, so failures are logged and
// reported rather than aborting the loop.
func (s *Server) crawlerStop(w http.ResponseWriter, r *http.Request) {
	stopped := make([]store.Task, 0)
	failed := make([]string, 0)
	for _, task := range s.registry.List() {
		if task.Status.Terminal() {
			continue
		}
		cancelled, err := s.registry.Cancel(r.Context(), task.ID)
		if err != nil {
			s.logger.Warn("cancel failed during stop", zap.String("task_id", task.ID.String()), zap.Error(err))
			failed = append(failed, task.ID.String())
			continue
		}
		stopped = append(stopped, cancelled)
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"stopped": stopped, "failed": failed})
}

type crawlerStatusResponse struct {
	IsRunning    bool       `json:"is_running"`
	TaskID       string     `json:"task_id,omitempty"`
	Progress     float64    `json:"progress"`
	SitesCrawled int64      `json:"sites_crawled"`
	PagesFound   int64      `json:"pages_found"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
}

func (s *Server) crawlerStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.articles.Statistics(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "stats query failed")
		return
	}
	resp := crawlerStatusResponse{
		SitesCrawled: stats.SitesCrawled,
		PagesFound:   stats.TotalArticles,
		LastUpdate:   stats.LastUpdate,
	}
	// The most recent running task represents "the crawler" on the dashboard.
	for _, task := range s.registry.List() {
		if task.Status == store.TaskRunning || task.Status == store.TaskPaused {
			resp.IsRunning = task.Status == store.TaskRunning
			resp.TaskID = task.ID.String()
			resp.Progress = task.Progress
			break
		}
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

type createTaskRequest struct {
	Topic   string   `json:"topic"`
	Targets []string `json:"targets"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Targets) == 0 {
		writeError(s.logger, w, http.StatusBadRequest, "targets required")
		return
	}
	task, err := s.registry.Create(r.Context(), req.Topic, req.Targets)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "create task failed")
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]any{"task": task})
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"tasks": s.registry.List()})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := s.registry.Get(id)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"task": task})
}

// startTask transitions the task to running and enqueues its crawl job.
func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := s.registry.Start(r.Context(), id)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	if task.Status == store.TaskRunning {
		queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		job := worker.Job{TaskID: task.ID, Topic: task.Topic, Targets: task.Targets}
		if err := s.dispatcher.Enqueue(queueCtx, job); err != nil {
			s.logger.Error("enqueue failed after start", zap.String("task_id", task.ID.String()), zap.Error(err))
			writeError(s.logger, w, http.StatusServiceUnavailable, "crawl queue is full")
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"task": task})
}

type progressRequest struct {
	Progress float64 `json:"progress"`
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.registry.ReportProgress(r.Context(), id, req.Progress)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Pause)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Resume)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Complete)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.registry.Cancel)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.registry.Fail(r.Context(), id, req.Reason)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (store.Task, error)) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := op(r.Context(), id)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid task id")
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(s.logger, w, http.StatusNotFound, "task not found")
	case errors.Is(err, registry.ErrInvalidTransition):
		writeError(s.logger, w, http.StatusConflict, "invalid task transition")
	case errors.Is(err, registry.ErrProgressRegression):
		writeError(s.logger, w, http.StatusUnprocessableEntity, "progress regression rejected")
	case errors.Is(err, registry.ErrReasonRequired):
		writeError(s.logger, w, http.StatusBadRequest, "failure reason is required")
	default:
		writeError(s.logger, w, http.StatusInternalServerError, "task operation failed")
	}
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultArticleLimit
}
