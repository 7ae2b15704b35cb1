package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	queuememory "github.com/serverai/knowledge-engine/internal/queue/memory"
	"github.com/serverai/knowledge-engine/internal/worker"
)

// TestEnqueueProxiesToQueue verifies a dispatched job is visible to a
// dequeuer.
func TestEnqueueProxiesToQueue(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	defer q.Close()
	d := New(q, nil)

	id, err := uuid.NewV7()
	require.NoError(t, err)
	job := worker.Job{TaskID: id, Topic: "linux"}
	require.NoError(t, d.Enqueue(context.Background(), job))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, job, got)
}

// TestRunReturnsOnContextCancel stops an empty worker pool cleanly.
func TestRunReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(1)
	defer q.Close()
	d := New(q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
