package activity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/activity"
	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"
	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStore holds every write until release is closed.
type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	written []models.Activity
	fail    bool
}

func (b *blockingStore) CreateActivity(_ context.Context, a *models.Activity) error {
	<-b.release
	if b.fail {
		return errors.New("disk full")
	}
	b.mu.Lock()
	b.written = append(b.written, *a)
	b.mu.Unlock()
	return nil
}

func (b *blockingStore) ListActivities(context.Context, string, int) ([]models.Activity, error) {
	return nil, nil
}

func TestWriter_FlushesOnClose(t *testing.T) {
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	w := activity.NewWriter(s, 16)

	w.Log("sess-1", models.ActivitySessionCreated, nil, map[string]interface{}{"sandbox_id": "sbx"})
	w.Log("sess-1", models.ActivityExecution, "hi", "hello")
	require.NoError(t, w.Close(context.Background()))

	acts, err := s.ListActivities(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, models.ActivitySessionCreated, acts[0].Type)
	assert.Equal(t, "hello", acts[1].Output)
	assert.NotEmpty(t, acts[1].ID)
}

func TestWriter_DropsWhenQueueFull(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{})}
	w := activity.NewWriter(bs, 1)
	before := testutil.ToFloat64(metrics.ActivityDropped)

	done := make(chan struct{})
	go func() {
		// The worker holds one entry, the queue holds one more; the rest drop.
		for i := 0; i < 10; i++ {
			w.Log("s", models.ActivityExecution, i, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	close(bs.release)
	require.NoError(t, w.Close(context.Background()))

	dropped := testutil.ToFloat64(metrics.ActivityDropped) - before
	assert.GreaterOrEqual(t, dropped, 8.0)
	assert.Equal(t, 10.0, dropped+float64(len(bs.written)))
}

func TestWriter_StoreFailureIsSwallowed(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{}), fail: true}
	close(bs.release)
	w := activity.NewWriter(bs, 4)
	before := testutil.ToFloat64(metrics.ActivityDropped)

	w.Log("s", models.ActivityExecution, "x", nil)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActivityDropped)-before)
}

func TestWriter_LogAfterCloseDrops(t *testing.T) {
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	w := activity.NewWriter(s, 4)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()))

	assert.NotPanics(t, func() { w.Log("s", models.ActivityExecution, nil, nil) })
}
