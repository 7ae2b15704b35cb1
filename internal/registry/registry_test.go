package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/event"
	"github.com/serverai/knowledge-engine/internal/store"
	"github.com/serverai/knowledge-engine/internal/store/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeIDGen struct{}

func (fakeIDGen) NewRawID() (uuid.UUID, error) {
	return uuid.NewV7()
}

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus, *memory.Store) {
	t.Helper()
	taskStore := memory.NewStore()
	eventBus := bus.New(bus.DefaultCapacity, nil)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := New(context.Background(), taskStore, eventBus, clock, fakeIDGen{}, nil)
	require.NoError(t, err)
	return reg, eventBus, taskStore
}

// TestTaskRoundTrip walks create, start, progress, and complete, checking the
// state and the emitted event sequence at each step.
func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()

	reg, eventBus, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "linux", []string{"https://example.com"})
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, task.Status)
	require.Zero(t, task.Progress)
	require.Zero(t, eventBus.Latest(), "creation must not emit an event")

	task, err = reg.Start(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, task.Status)

	task, err = reg.ReportProgress(ctx, task.ID, 40)
	require.NoError(t, err)
	require.Equal(t, float64(40), task.Progress)

	task, err = reg.Complete(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)
	require.Equal(t, float64(100), task.Progress)

	events := eventBus.Recent(10)
	require.Len(t, events, 3)
	require.Equal(t, event.KindCrawlStarted, events[0].Kind)
	require.Equal(t, event.KindProgressUpdated, events[1].Kind)
	require.Equal(t, event.KindTaskCompleted, events[2].Kind)
	for _, evt := range events {
		require.Equal(t, task.ID.String(), evt.TaskID)
	}
}

// TestProgressRegressionRejected asserts a lower report fails and leaves the
// stored progress untouched.
func TestProgressRegressionRejected(t *testing.T) {
	t.Parallel()

	reg, eventBus, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "linux", nil)
	require.NoError(t, err)
	_, err = reg.Start(ctx, task.ID)
	require.NoError(t, err)
	_, err = reg.ReportProgress(ctx, task.ID, 40)
	require.NoError(t, err)

	before := eventBus.Latest()
	returned, err := reg.ReportProgress(ctx, task.ID, 25)
	require.ErrorIs(t, err, ErrProgressRegression)
	require.Equal(t, float64(40), returned.Progress)
	require.Equal(t, before, eventBus.Latest(), "rejected report must not emit")

	current, err := reg.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, float64(40), current.Progress)
}

// TestProgressClampsOutOfRange checks reports outside [0,100] are clamped
// rather than rejected.
func TestProgressClampsOutOfRange(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "linux", nil)
	require.NoError(t, err)
	_, err = reg.Start(ctx, task.ID)
	require.NoError(t, err)

	updated, err := reg.ReportProgress(ctx, task.ID, 250)
	require.NoError(t, err)
	require.Equal(t, float64(100), updated.Progress)
}

// TestCancelOnCompletedIsNoOp verifies terminal tasks swallow further
// transitions, returning the unchanged record without a new event.
func TestCancelOnCompletedIsNoOp(t *testing.T) {
	t.Parallel()

	reg, eventBus, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "linux", nil)
	require.NoError(t, err)
	_, err = reg.Start(ctx, task.ID)
	require.NoError(t, err)
	completed, err := reg.Complete(ctx, task.ID)
	require.NoError(t, err)

	before := eventBus.Latest()
	returned, err := reg.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, completed.Status, returned.Status)
	require.Equal(t, completed.UpdatedAt, returned.UpdatedAt)
	require.Equal(t, before, eventBus.Latest(), "no-op must not emit")
}

// TestPauseResumeCycle walks running → paused → running.
func TestPauseResumeCycle(t *testing.T) {
	t.Parallel()

	reg, eventBus, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "dns", nil)
	require.NoError(t, err)
	_, err = reg.Start(ctx, task.ID)
	require.NoError(t, err)

	paused, err := reg.Pause(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskPaused, paused.Status)

	// Progress reports are only legal while running.
	_, err = reg.ReportProgress(ctx, task.ID, 10)
	require.ErrorIs(t, err, ErrInvalidTransition)

	resumed, err := reg.Resume(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, resumed.Status)

	events := eventBus.Recent(10)
	kinds := make([]event.Kind, 0, len(events))
	for _, evt := range events {
		kinds = append(kinds, evt.Kind)
	}
	require.Equal(t, []event.Kind{event.KindCrawlStarted, event.KindTaskPaused, event.KindTaskResumed}, kinds)
}

// TestInvalidTransitionsRejected exercises a few illegal edges.
func TestInvalidTransitionsRejected(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "mysql", nil)
	require.NoError(t, err)

	_, err = reg.Pause(ctx, task.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = reg.Complete(ctx, task.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = reg.Resume(ctx, task.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = reg.ReportProgress(ctx, task.ID, 10)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

// TestFailRequiresReason asserts Fail refuses an empty reason and records the
// provided one.
func TestFailRequiresReason(t *testing.T) {
	t.Parallel()

	reg, eventBus, _ := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "apache", nil)
	require.NoError(t, err)
	_, err = reg.Start(ctx, task.ID)
	require.NoError(t, err)

	_, err = reg.Fail(ctx, task.ID, "")
	require.ErrorIs(t, err, ErrReasonRequired)

	failed, err := reg.Fail(ctx, task.ID, "no pages were saved")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, failed.Status)
	require.NotNil(t, failed.Error)
	require.Equal(t, "no pages were saved", *failed.Error)

	events := eventBus.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, event.KindTaskFailed, events[0].Kind)
	require.Equal(t, "no pages were saved", events[0].Reason)
}

// TestCancelFromPendingAndPaused verifies cancel is legal from every
// non-terminal state.
func TestCancelFromPendingAndPaused(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	pending, err := reg.Create(ctx, "cloud", nil)
	require.NoError(t, err)
	cancelled, err := reg.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, cancelled.Status)

	other, err := reg.Create(ctx, "cloud", nil)
	require.NoError(t, err)
	_, err = reg.Start(ctx, other.ID)
	require.NoError(t, err)
	_, err = reg.Pause(ctx, other.ID)
	require.NoError(t, err)
	cancelled, err = reg.Cancel(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, cancelled.Status)
}

// TestUnknownTaskReturnsNotFound maps missing ids to store.ErrNotFound.
func TestUnknownTaskReturnsNotFound(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := uuid.NewV7()
	require.NoError(t, err)

	_, err = reg.Get(id)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = reg.Start(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = reg.Cancel(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestRecoverFromStore rebuilds the in-memory view from persisted rows.
func TestRecoverFromStore(t *testing.T) {
	t.Parallel()

	taskStore := memory.NewStore()
	eventBus := bus.New(bus.DefaultCapacity, nil)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}

	id, err := uuid.NewV7()
	require.NoError(t, err)
	seeded := store.Task{
		ID:        id,
		Topic:     "linux",
		Status:    store.TaskRunning,
		Progress:  30,
		CreatedAt: clock.now,
		UpdatedAt: clock.now,
	}
	require.NoError(t, taskStore.CreateTask(context.Background(), seeded))

	reg, err := New(context.Background(), taskStore, eventBus, clock, fakeIDGen{}, nil)
	require.NoError(t, err)

	recovered, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, recovered.Status)
	require.Equal(t, float64(30), recovered.Progress)
}

// TestPersistFailureLeavesStateUntouched simulates a store error and checks
// neither the cached task nor the bus changes.
func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	taskStore := &failingStore{Store: memory.NewStore()}
	eventBus := bus.New(bus.DefaultCapacity, nil)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := New(context.Background(), taskStore, eventBus, clock, fakeIDGen{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	task, err := reg.Create(ctx, "linux", nil)
	require.NoError(t, err)

	taskStore.failUpdates = true
	_, err = reg.Start(ctx, task.ID)
	require.Error(t, err)
	require.Zero(t, eventBus.Latest(), "failed persist must not emit")

	current, err := reg.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, current.Status)
}

type failingStore struct {
	*memory.Store
	failUpdates bool
}

func (s *failingStore) UpdateTask(ctx context.Context, task store.Task) error {
	if s.failUpdates {
		return errors.New("store unavailable")
	}
	return s.Store.UpdateTask(ctx, task)
}
