package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/queue"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/buffer"
)

const testTopic = "audit.events"

func testExporter(t *testing.T) (*Exporter, *queue.MemoryQueue) {
	t.Helper()
	log := logger.New("error", "json")
	buf, err := buffer.New(config.BufferConfig{
		Path:          filepath.Join(t.TempDir(), "audit-buffer.jsonl"),
		MaxQueueSize:  100,
		RetryInterval: time.Minute,
	}, log)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(log)
	return New(q, testTopic, "chain-abc", buf, log), q
}

// signedEvent appends one entry through a real chain so the event carries
// genuine hashes and a signature
func signedEvent(t *testing.T) *audit.Event {
	t.Helper()
	key, err := audit.GenerateKey()
	require.NoError(t, err)
	chain := audit.NewChain("node-1", key, logger.New("error", "json"), nil)

	ev, err := chain.Append(audit.Entry{
		EventType:   audit.EventActionTaken,
		WorkflowID:  "wf-7",
		ExecutionID: "exec-7",
		Output:      map[string]interface{}{"ok": true},
	})
	require.NoError(t, err)
	return ev
}

func TestExport_WireFormat(t *testing.T) {
	exp, q := testExporter(t)

	got := make(chan *queue.Message, 1)
	ctx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	require.NoError(t, q.Subscribe(ctx, testTopic,
		func(ctx context.Context, key string, value []byte, headers map[string]string) error {
			got <- &queue.Message{Key: key, Value: value, Headers: headers}
			return nil
		}))

	ev := signedEvent(t)
	require.NoError(t, exp.Export(context.Background(), ev))

	var msg *queue.Message
	select {
	case msg = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("published event never arrived")
	}

	// Partitioned by workflow so one workflow's events stay ordered
	assert.Equal(t, "wf-7", msg.Key)
	assert.Equal(t, audit.EventActionTaken, msg.Headers["x-event-type"])
	assert.Equal(t, "node-1", msg.Headers["x-node-id"])
	assert.Equal(t, "wf-7", msg.Headers["x-workflow-id"])
	assert.Equal(t, "chain-abc", msg.Headers["x-audit-chain-id"])

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &wire))
	assert.Equal(t, ev.SelfHash, wire["self_hash"])
	assert.Equal(t, ev.Signature, wire["signature"])
	assert.Equal(t, ev.OutputHash, wire["output_hash"])
	assert.NotContains(t, wire, "public_key")
}

// downQueue rejects every publish, standing in for an unreachable broker
type downQueue struct{}

func (downQueue) Publish(ctx context.Context, topic, key string, message []byte, headers map[string]string) error {
	return fmt.Errorf("broker unreachable")
}
func (downQueue) Subscribe(ctx context.Context, topic string, handler queue.MessageHandler) error {
	return nil
}
func (downQueue) Close() error { return nil }

func TestExport_FailurePathBuffersEvent(t *testing.T) {
	log := logger.New("error", "json")
	buf, err := buffer.New(config.BufferConfig{
		Path:          filepath.Join(t.TempDir(), "audit-buffer.jsonl"),
		MaxQueueSize:  100,
		RetryInterval: time.Minute,
	}, log)
	require.NoError(t, err)

	exp := New(downQueue{}, testTopic, "chain-abc", buf, log)

	// A dead broker loses nothing: Export succeeds by falling back to the
	// offline buffer
	ev := signedEvent(t)
	require.NoError(t, exp.Export(context.Background(), ev))
	assert.Equal(t, 1, buf.Len())
}
