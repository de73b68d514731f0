package buffer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

func testBuffer(t *testing.T, path string, maxSize int) *Buffer {
	t.Helper()
	b, err := New(config.BufferConfig{
		Path:          path,
		MaxQueueSize:  maxSize,
		RetryInterval: time.Minute,
	}, logger.New("error", "json"))
	require.NoError(t, err)
	return b
}

func TestEnqueueAndFlush_FIFO(t *testing.T) {
	b := testBuffer(t, filepath.Join(t.TempDir(), "buffer.ndjson"), 10)

	for _, wf := range []string{"wf-1", "wf-2", "wf-3"} {
		_, err := b.Enqueue(models.BufferedAudit, wf, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.Len())

	var order []string
	b.RegisterHandler(models.BufferedAudit, func(ctx context.Context, ev *models.BufferedEvent) error {
		order = append(order, ev.WorkflowID)
		return nil
	})

	n, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"wf-1", "wf-2", "wf-3"}, order)
	assert.Equal(t, 0, b.Len())
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	b := testBuffer(t, filepath.Join(t.TempDir(), "buffer.ndjson"), 2)

	for _, wf := range []string{"wf-1", "wf-2", "wf-3"} {
		_, err := b.Enqueue(models.BufferedTriggerFire, wf, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(1), b.Dropped())

	var order []string
	b.RegisterHandler(models.BufferedTriggerFire, func(ctx context.Context, ev *models.BufferedEvent) error {
		order = append(order, ev.WorkflowID)
		return nil
	})
	_, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-2", "wf-3"}, order)
}

func TestFlush_StopsAtFirstFailureAndRetainsOrder(t *testing.T) {
	b := testBuffer(t, filepath.Join(t.TempDir(), "buffer.ndjson"), 10)

	for _, wf := range []string{"wf-1", "wf-2", "wf-3"} {
		_, err := b.Enqueue(models.BufferedExecutionResult, wf, nil)
		require.NoError(t, err)
	}

	fail := true
	var order []string
	b.RegisterHandler(models.BufferedExecutionResult, func(ctx context.Context, ev *models.BufferedEvent) error {
		if fail && ev.WorkflowID == "wf-2" {
			return assert.AnError
		}
		order = append(order, ev.WorkflowID)
		return nil
	})

	n, err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, b.Len())

	// The failed head keeps its place and its retry count
	fail = false
	n, err = b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"wf-1", "wf-2", "wf-3"}, order)
}

func TestFlush_FailureIncrementsRetries(t *testing.T) {
	b := testBuffer(t, filepath.Join(t.TempDir(), "buffer.ndjson"), 10)

	ev, err := b.Enqueue(models.BufferedAudit, "wf-1", nil)
	require.NoError(t, err)

	b.RegisterHandler(models.BufferedAudit, func(ctx context.Context, e *models.BufferedEvent) error {
		return assert.AnError
	})
	_, err = b.Flush(context.Background())
	require.Error(t, err)
	_, err = b.Flush(context.Background())
	require.Error(t, err)

	assert.Equal(t, 2, ev.Retries)
}

func TestFlush_NoHandlerForKind(t *testing.T) {
	b := testBuffer(t, filepath.Join(t.TempDir(), "buffer.ndjson"), 10)

	_, err := b.Enqueue(models.BufferedTriggerFire, "wf-1", nil)
	require.NoError(t, err)

	_, err = b.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no flush handler")
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.ndjson")

	b := testBuffer(t, path, 10)
	_, err := b.Enqueue(models.BufferedAudit, "wf-1", json.RawMessage(`{"seq":1}`))
	require.NoError(t, err)
	_, err = b.Enqueue(models.BufferedTriggerFire, "wf-2", json.RawMessage(`{"seq":2}`))
	require.NoError(t, err)

	// A second instance over the same file sees the same queue
	reopened := testBuffer(t, path, 10)
	assert.Equal(t, 2, reopened.Len())

	var kinds []models.BufferedKind
	handler := func(ctx context.Context, ev *models.BufferedEvent) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}
	reopened.RegisterHandler(models.BufferedAudit, handler)
	reopened.RegisterHandler(models.BufferedTriggerFire, handler)

	n, err := reopened.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []models.BufferedKind{models.BufferedAudit, models.BufferedTriggerFire}, kinds)
}

func TestNew_MissingFileStartsEmpty(t *testing.T) {
	b := testBuffer(t, filepath.Join(t.TempDir(), "nested", "dir", "buffer.ndjson"), 10)
	assert.Equal(t, 0, b.Len())
}
