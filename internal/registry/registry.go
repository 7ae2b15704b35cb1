// Package registry owns the crawl task state machine. It is the single writer
// of task records: workers and the API mutate tasks only through its
// transition operations, which persist first and then append exactly one
// event to the bus.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serverai/knowledge-engine/internal/bus"
	"github.com/serverai/knowledge-engine/internal/event"
	"github.com/serverai/knowledge-engine/internal/store"
)

// Transition errors surfaced to callers.
var (
	// ErrInvalidTransition means the requested operation is illegal from the
	// task's current state.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrProgressRegression means a progress report was below the stored
	// value; the previous value is retained.
	ErrProgressRegression = errors.New("progress regression rejected")
	// ErrReasonRequired means Fail was called without a failure reason.
	ErrReasonRequired = errors.New("failure reason is required")
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints task identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Registry holds the in-memory authoritative view of every task, backed by a
// TaskStore. Transitions for the same task serialize on a per-task lock;
// different tasks do not contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	store  store.TaskStore
	bus    *bus.Bus
	clock  Clock
	idGen  IDGenerator
	logger *zap.Logger
}

type entry struct {
	mu   sync.Mutex
	task store.Task
}

// New builds a Registry and recovers its in-memory state from the persisted
// task rows, so a restarted process is never more optimistic than its durable
// record.
func New(ctx context.Context, taskStore store.TaskStore, eventBus *bus.Bus, clock Clock, idGen IDGenerator, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries: make(map[uuid.UUID]*entry),
		store:   taskStore,
		bus:     eventBus,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
	}
	tasks, err := taskStore.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover tasks: %w", err)
	}
	for _, task := range tasks {
		r.entries[task.ID] = &entry{task: task}
	}
	if len(tasks) > 0 {
		logger.Info("recovered persisted tasks", zap.Int("count", len(tasks)))
	}
	return r, nil
}

// Create registers a new task in pending with progress 0. No event is emitted
// until the task is started: creation and start are distinct operations.
func (r *Registry) Create(ctx context.Context, topic string, targets []string) (store.Task, error) {
	id, err := r.idGen.NewRawID()
	if err != nil {
		return store.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	now := r.clock.Now()
	task := store.Task{
		ID:        id,
		Topic:     topic,
		Targets:   append([]string(nil), targets...),
		Status:    store.TaskPending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return store.Task{}, fmt.Errorf("persist task: %w", err)
	}
	r.mu.Lock()
	r.entries[id] = &entry{task: task}
	r.mu.Unlock()
	r.logger.Info("task created", zap.String("task_id", id.String()), zap.String("topic", topic))
	return task, nil
}

// Start transitions pending → running and emits crawl_started.
func (r *Registry) Start(ctx context.Context, id uuid.UUID) (store.Task, error) {
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		if task.Status != store.TaskPending {
			return "", ErrInvalidTransition
		}
		task.Status = store.TaskRunning
		return event.KindCrawlStarted, nil
	})
}

// ReportProgress records a progress value for a running task. Values clamp to
// [0,100]; a report below the stored value is rejected with
// ErrProgressRegression and the previous value retained.
func (r *Registry) ReportProgress(ctx context.Context, id uuid.UUID, value float64) (store.Task, error) {
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		if task.Status != store.TaskRunning {
			return "", ErrInvalidTransition
		}
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		if value < task.Progress {
			r.logger.Warn("progress regression rejected",
				zap.String("task_id", task.ID.String()),
				zap.Float64("stored", task.Progress),
				zap.Float64("reported", value),
			)
			return "", ErrProgressRegression
		}
		task.Progress = value
		return event.KindProgressUpdated, nil
	})
}

// Pause transitions running → paused.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID) (store.Task, error) {
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		if task.Status != store.TaskRunning {
			return "", ErrInvalidTransition
		}
		task.Status = store.TaskPaused
		return event.KindTaskPaused, nil
	})
}

// Resume transitions paused → running.
func (r *Registry) Resume(ctx context.Context, id uuid.UUID) (store.Task, error) {
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		if task.Status != store.TaskPaused {
			return "", ErrInvalidTransition
		}
		task.Status = store.TaskRunning
		return event.KindTaskResumed, nil
	})
}

// Complete transitions running → completed and forces progress to 100.
func (r *Registry) Complete(ctx context.Context, id uuid.UUID) (store.Task, error) {
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		if task.Status != store.TaskRunning {
			return "", ErrInvalidTransition
		}
		task.Status = store.TaskCompleted
		task.Progress = 100
		return event.KindTaskCompleted, nil
	})
}

// Fail transitions running|paused → failed with a required reason.
func (r *Registry) Fail(ctx context.Context, id uuid.UUID, reason string) (store.Task, error) {
	if reason == "" {
		return store.Task{}, ErrReasonRequired
	}
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		if task.Status != store.TaskRunning && task.Status != store.TaskPaused {
			return "", ErrInvalidTransition
		}
		task.Status = store.TaskFailed
		task.Error = &reason
		return event.KindTaskFailed, nil
	})
}

// Cancel transitions any non-terminal state → cancelled. It models a
// user-initiated stop and is always legal.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID) (store.Task, error) {
	return r.transition(ctx, id, func(task *store.Task) (event.Kind, error) {
		task.Status = store.TaskCancelled
		return event.KindCrawlCancelled, nil
	})
}

// Get returns the current task snapshot.
func (r *Registry) Get(id uuid.UUID) (store.Task, error) {
	e, err := r.entry(id)
	if err != nil {
		return store.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// List returns snapshots of every known task, newest first by creation time.
func (r *Registry) List() []store.Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	tasks := make([]store.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		tasks = append(tasks, e.task)
		e.mu.Unlock()
	}
	sortTasks(tasks)
	return tasks
}

func (r *Registry) entry(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

// transition runs apply under the task's lock. Terminal tasks accept any
// transition call as a no-op returning the unchanged state, since a worker
// may retry a final report after a transient send failure. On success the
// task row is persisted before the event reaches the bus; a store failure
// leaves the in-memory state untouched.
func (r *Registry) transition(ctx context.Context, id uuid.UUID, apply func(*store.Task) (event.Kind, error)) (store.Task, error) {
	e, err := r.entry(id)
	if err != nil {
		return store.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Status.Terminal() {
		return e.task, nil
	}

	updated := e.task
	kind, err := apply(&updated)
	if err != nil {
		return e.task, err
	}
	updated.UpdatedAt = r.clock.Now()

	if err := r.store.UpdateTask(ctx, updated); err != nil {
		return e.task, fmt.Errorf("persist transition: %w", err)
	}
	e.task = updated

	evt := event.Event{
		TS:       updated.UpdatedAt,
		Kind:     kind,
		TaskID:   updated.ID.String(),
		Topic:    updated.Topic,
		Progress: updated.Progress,
	}
	if updated.Error != nil {
		evt.Reason = *updated.Error
	}
	r.bus.Append(evt)
	return updated, nil
}

func sortTasks(tasks []store.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
