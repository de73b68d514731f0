package trigger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(16, logger.New("error", "json"))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

// recorder collects activations and signals arrival
type recorder struct {
	mu     sync.Mutex
	events []models.TriggerEvent
	seen   chan struct{}
}

func newRecorder(buf int) *recorder {
	return &recorder{seen: make(chan struct{}, buf)}
}

func (r *recorder) handle(ctx context.Context, ev models.TriggerEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []models.TriggerEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for activation %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TriggerEvent{}, r.events...)
}

func TestEmit_RoutesToRegisteredWorkflow(t *testing.T) {
	b := testBus(t)
	rec := newRecorder(4)
	b.RegisterWorkflow("wf-1", rec.handle)

	b.Emit(models.TriggerEvent{DriverID: "cron-1", WorkflowID: "wf-1"})

	events := rec.wait(t, 1)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
	assert.NotEmpty(t, events[0].ActivationID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEmit_SerializesPerWorkflowInArrivalOrder(t *testing.T) {
	b := testBus(t)
	rec := newRecorder(16)
	b.RegisterWorkflow("wf-1", rec.handle)

	for i := 0; i < 5; i++ {
		b.Emit(models.TriggerEvent{
			DriverID:     "hook-1",
			WorkflowID:   "wf-1",
			ActivationID: string(rune('a' + i)),
		})
	}

	events := rec.wait(t, 5)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, string(rune('a'+i)), ev.ActivationID)
	}
}

func TestEmit_DebounceSuppressesRapidFires(t *testing.T) {
	b := testBus(t)
	rec := newRecorder(8)
	b.RegisterWorkflow("wf-1", rec.handle)
	b.RegisterDriver(&staticDriver{id: "fs-1"}, time.Hour)

	base := time.Now().UTC()
	b.Emit(models.TriggerEvent{DriverID: "fs-1", WorkflowID: "wf-1", Timestamp: base})
	b.Emit(models.TriggerEvent{DriverID: "fs-1", WorkflowID: "wf-1", Timestamp: base.Add(time.Second)})
	b.Emit(models.TriggerEvent{DriverID: "fs-1", WorkflowID: "wf-1", Timestamp: base.Add(2 * time.Hour)})

	events := rec.wait(t, 2)
	require.Len(t, events, 2)
	assert.Equal(t, base, events[0].Timestamp)
	assert.Equal(t, base.Add(2*time.Hour), events[1].Timestamp)
}

func TestEmit_UndebouncedDriverPassesAllEvents(t *testing.T) {
	b := testBus(t)
	rec := newRecorder(8)
	b.RegisterWorkflow("wf-1", rec.handle)

	base := time.Now().UTC()
	b.Emit(models.TriggerEvent{DriverID: "hook-1", WorkflowID: "wf-1", Timestamp: base})
	b.Emit(models.TriggerEvent{DriverID: "hook-1", WorkflowID: "wf-1", Timestamp: base.Add(time.Millisecond)})

	events := rec.wait(t, 2)
	assert.Len(t, events, 2)
}

func TestUnregisterWorkflow_DropsSubsequentEvents(t *testing.T) {
	b := testBus(t)
	rec := newRecorder(4)
	b.RegisterWorkflow("wf-1", rec.handle)

	b.Emit(models.TriggerEvent{DriverID: "d", WorkflowID: "wf-1"})
	rec.wait(t, 1)

	b.UnregisterWorkflow("wf-1")
	b.Emit(models.TriggerEvent{DriverID: "d", WorkflowID: "wf-1"})

	select {
	case <-rec.seen:
		t.Fatal("event delivered to unregistered workflow")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmit_IndependentWorkflowsDoNotBlockEachOther(t *testing.T) {
	b := testBus(t)

	release := make(chan struct{})
	b.RegisterWorkflow("wf-slow", func(ctx context.Context, ev models.TriggerEvent) error {
		<-release
		return nil
	})
	rec := newRecorder(4)
	b.RegisterWorkflow("wf-fast", rec.handle)

	b.Emit(models.TriggerEvent{DriverID: "d", WorkflowID: "wf-slow"})
	b.Emit(models.TriggerEvent{DriverID: "d", WorkflowID: "wf-fast"})

	rec.wait(t, 1)
	close(release)
}

// syncBuffer lets the dispatch goroutine and the test share a log sink
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatch_UnregisteredWorkflowDropIsWarned(t *testing.T) {
	var buf syncBuffer
	log := &logger.Logger{
		Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	b := NewBus(16, log)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	b.Emit(models.TriggerEvent{DriverID: "d", WorkflowID: "wf-ghost"})

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "dropping event for unregistered workflow")
	}, 2*time.Second, 10*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "wf-ghost")
}

// staticDriver is a no-op driver used to register debounce intervals
type staticDriver struct {
	id string
}

func (d *staticDriver) ID() string { return d.id }
func (d *staticDriver) Start(ctx context.Context, emit EmitFunc) error {
	return nil
}
func (d *staticDriver) Stop() error { return nil }
