package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/config"
	"github.com/serverai/knowledge-engine/internal/dispatcher"
	"github.com/serverai/knowledge-engine/internal/event"
	"github.com/serverai/knowledge-engine/internal/gateway"
	queuememory "github.com/serverai/knowledge-engine/internal/queue/memory"
	"github.com/serverai/knowledge-engine/internal/registry"
	"github.com/serverai/knowledge-engine/internal/snapshot"
	"github.com/serverai/knowledge-engine/internal/store"
	storememory "github.com/serverai/knowledge-engine/internal/store/memory"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

type testIDGen struct{}

func (testIDGen) NewRawID() (uuid.UUID, error) {
	return uuid.NewV7()
}

type harness struct {
	server   *Server
	registry *registry.Registry
	store    *storememory.Store
	bus      *bus.Bus
	queue    *queuememory.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := storememory.NewStore()
	eventBus := bus.New(bus.DefaultCapacity, nil)
	clock := &testClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := registry.New(context.Background(), mem, eventBus, clock, testIDGen{}, nil)
	require.NoError(t, err)

	queue := queuememory.NewQueue(16)
	t.Cleanup(queue.Close)
	disp := dispatcher.New(queue, nil)

	gw := gateway.New(eventBus, time.Minute, nil)
	t.Cleanup(gw.Close)

	snapshots := snapshot.NewService(reg, eventBus, mem, 10)

	cfg, err := config.Load("")
	require.NoError(t, err)

	srv := NewServer(reg, mem, eventBus, snapshots, gw, disp, nil, cfg, nil)
	return &harness{server: srv, registry: reg, store: mem, bus: eventBus, queue: queue}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) store.Task {
	t.Helper()
	var payload struct {
		Task store.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Task
}

// TestTaskLifecycleOverHTTP drives create, start, progress, and complete
// through the REST surface.
func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tasks/", map[string]any{
		"topic":   "linux",
		"targets": []string{"https://example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decodeTask(t, rec)
	require.Equal(t, store.TaskPending, task.Status)

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/start", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.TaskRunning, decodeTask(t, rec).Status)

	// Starting also hands the job to the worker queue.
	job, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.ID, job.TaskID)

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/progress", task.ID), map[string]any{"progress": 40})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(40), decodeTask(t, rec).Progress)

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/complete", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeTask(t, rec)
	require.Equal(t, store.TaskCompleted, done.Status)
	require.Equal(t, float64(100), done.Progress)
}

// TestProgressRegressionMapsTo422 surfaces the regression error as
// unprocessable entity, leaving the stored value intact.
func TestProgressRegressionMapsTo422(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task, err := h.registry.Create(context.Background(), "linux", []string{"https://example.com"})
	require.NoError(t, err)
	_, err = h.registry.Start(context.Background(), task.ID)
	require.NoError(t, err)
	_, err = h.registry.ReportProgress(context.Background(), task.ID, 40)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/progress", task.ID), map[string]any{"progress": 25})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	current, err := h.registry.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, float64(40), current.Progress)
}

// TestTransitionErrorMapping checks 404 and 409 responses.
func TestTransitionErrorMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	missing, err := uuid.NewV7()
	require.NoError(t, err)
	rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/cancel", missing), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/tasks/not-a-uuid/", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	task, err := h.registry.Create(context.Background(), "linux", nil)
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/pause", task.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/fail", task.ID), map[string]any{"reason": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestCancelOnCompletedReturnsUnchangedTask maps the terminal no-op to a 200
// with the existing record.
func TestCancelOnCompletedReturnsUnchangedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task, err := h.registry.Create(ctx, "linux", nil)
	require.NoError(t, err)
	_, err = h.registry.Start(ctx, task.ID)
	require.NoError(t, err)
	_, err = h.registry.Complete(ctx, task.ID)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/cancel", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.TaskCompleted, decodeTask(t, rec).Status)
}

// TestCrawlerStartAndStatus runs the dashboard control flow end to end.
func TestCrawlerStartAndStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/crawler/start", map[string]any{
		"targets": []string{"https://example.com"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decodeTask(t, rec)
	require.Equal(t, store.TaskRunning, started.Status)

	job, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, started.ID, job.TaskID)

	rec = h.do(t, http.MethodGet, "/api/crawler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		IsRunning bool   `json:"is_running"`
		TaskID    string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.IsRunning)
	require.Equal(t, started.ID.String(), status.TaskID)

	rec = h.do(t, http.MethodPost, "/api/crawler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	current, err := h.registry.Get(started.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, current.Status)
}

// flakyTaskStore refuses to persist updates for one task id.
type flakyTaskStore struct {
	*storememory.Store
	denyID uuid.UUID
}

func (s *flakyTaskStore) UpdateTask(ctx context.Context, task store.Task) error {
	if task.ID == s.denyID {
		return errors.New("update rejected")
	}
	return s.Store.UpdateTask(ctx, task)
}

// TestCrawlerStopContinuesPastCancelFailure keeps the stop sweep going when
// one task's cancel cannot be persisted; the remaining tasks still cancel and
// the stuck one is reported.
func TestCrawlerStopContinuesPastCancelFailure(t *testing.T) {
	t.Parallel()

	mem := storememory.NewStore()
	flaky := &flakyTaskStore{Store: mem}
	eventBus := bus.New(bus.DefaultCapacity, nil)
	clock := &testClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := registry.New(context.Background(), flaky, eventBus, clock, testIDGen{}, nil)
	require.NoError(t, err)

	queue := queuememory.NewQueue(16)
	t.Cleanup(queue.Close)
	gw := gateway.New(eventBus, time.Minute, nil)
	t.Cleanup(gw.Close)
	cfg, err := config.Load("")
	require.NoError(t, err)
	srv := NewServer(reg, mem, eventBus, snapshot.NewService(reg, eventBus, mem, 10), gw, dispatcher.New(queue, nil), nil, cfg, nil)
	h := &harness{server: srv, registry: reg, store: mem, bus: eventBus, queue: queue}

	ctx := context.Background()
	stuck, err := reg.Create(ctx, "linux", []string{"https://a.com"})
	require.NoError(t, err)
	_, err = reg.Start(ctx, stuck.ID)
	require.NoError(t, err)
	other, err := reg.Create(ctx, "dns", []string{"https://b.com"})
	require.NoError(t, err)
	_, err = reg.Start(ctx, other.ID)
	require.NoError(t, err)
	flaky.denyID = stuck.ID

	rec := h.do(t, http.MethodPost, "/api/crawler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cancelled, err := reg.Get(other.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, cancelled.Status)
	remaining, err := reg.Get(stuck.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, remaining.Status)

	var resp struct {
		Failed []string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{stuck.ID.String()}, resp.Failed)
}

// TestDashboardReads exercises stats, topics, search, and logs.
func TestDashboardReads(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveArticle(ctx, store.Article{
		URL: "https://a.com/1", Title: "Postfix tips", Content: "smtp relay config", Topic: "email",
		CreatedAt: time.Now().UTC(),
	}))
	h.bus.Append(event.Event{Kind: event.KindPageFetched, URL: "https://a.com/1", Site: "a.com"})

	rec := h.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.TotalArticles)

	rec = h.do(t, http.MethodGet, "/api/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/articles/email", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/search?q=smtp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/search", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/logs?n=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Events []event.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs.Events, 1)

	rec = h.do(t, http.MethodGet, "/api/logs?n=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestSnapshotEndpoint returns the combined view with the latest sequence.
func TestSnapshotEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task, err := h.registry.Create(ctx, "linux", nil)
	require.NoError(t, err)
	_, err = h.registry.Start(ctx, task.ID)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap snapshot.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, h.bus.Latest(), snap.LatestSequence)
	require.NotEmpty(t, snap.RecentEvents)
}

// TestHealthEndpoints covers the ops probes.
func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", nil).Code)
}
