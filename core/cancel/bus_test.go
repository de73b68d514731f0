package cancel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/logger"
)

func localBus(t *testing.T) *Bus {
	t.Helper()
	return New(nil, true, logger.New("error", "json"))
}

func TestParseSignal_PlainCancelPayload(t *testing.T) {
	sig, ok := parseSignal("cancel:exec-1", "CANCEL")
	require.True(t, ok)
	assert.Equal(t, "exec-1", sig.ExecutionID)
	assert.Equal(t, ReasonUserCancel, sig.Reason)
	assert.False(t, sig.Timestamp.IsZero())

	// Whitespace around the bare payload is tolerated
	sig, ok = parseSignal("cancel:exec-2", " CANCEL\n")
	require.True(t, ok)
	assert.Equal(t, "exec-2", sig.ExecutionID)
}

func TestParseSignal_PlainCancelOnBroadcastChannel(t *testing.T) {
	sig, ok := parseSignal("cancel:all", "CANCEL")
	require.True(t, ok)
	assert.Empty(t, sig.ExecutionID)
}

func TestParseSignal_JSONPayload(t *testing.T) {
	sig, ok := parseSignal("cancel:exec-3",
		`{"execution_id":"exec-3","reason":"EMERGENCY_STOP","requested_by":"ops"}`)
	require.True(t, ok)
	assert.Equal(t, "exec-3", sig.ExecutionID)
	assert.Equal(t, ReasonEmergencyStop, sig.Reason)
	assert.Equal(t, "ops", sig.RequestedBy)
}

func TestParseSignal_MalformedPayload(t *testing.T) {
	_, ok := parseSignal("cancel:exec-4", "not json, not CANCEL")
	assert.False(t, ok)
}

func TestCancel_DeliversToWatcher(t *testing.T) {
	b := localBus(t)
	ch := b.Watch("exec-1")
	defer b.Unwatch("exec-1")

	require.NoError(t, b.Cancel(context.Background(), "exec-1", "alice", ReasonUserCancel))

	select {
	case sig := <-ch:
		assert.Equal(t, "exec-1", sig.ExecutionID)
		assert.Equal(t, ReasonUserCancel, sig.Reason)
		assert.Equal(t, "alice", sig.RequestedBy)
	default:
		t.Fatal("signal not delivered")
	}
}

func TestEmergencyStop_ReachesEveryWatcher(t *testing.T) {
	b := localBus(t)
	ch1 := b.Watch("exec-1")
	ch2 := b.Watch("exec-2")

	require.NoError(t, b.EmergencyStop(context.Background(), "ops", ""))

	for name, ch := range map[string]<-chan Signal{"exec-1": ch1, "exec-2": ch2} {
		select {
		case sig := <-ch:
			assert.Equal(t, ReasonEmergencyStop, sig.Reason)
		default:
			t.Fatalf("watcher %s missed the broadcast", name)
		}
	}
}

func TestEmergencyStop_TargetFiltersWatchKeys(t *testing.T) {
	b := localBus(t)
	matched := b.Watch("exec-wf-payments-1")
	other := b.Watch("exec-wf-reports-9")

	require.NoError(t, b.EmergencyStop(context.Background(), "ops", "wf-payments"))

	select {
	case sig := <-matched:
		assert.Equal(t, "wf-payments", sig.Target)
	default:
		t.Fatal("targeted watcher missed the stop")
	}
	select {
	case <-other:
		t.Fatal("stop leaked outside its target")
	default:
	}
}

func TestDeliverLocal_NeverBlocksOnFullWatcher(t *testing.T) {
	b := localBus(t)
	ch := b.Watch("exec-1")

	require.NoError(t, b.Cancel(context.Background(), "exec-1", "a", ReasonUserCancel))
	require.NoError(t, b.Cancel(context.Background(), "exec-1", "b", ReasonUserCancel))

	// The channel holds one signal; the redundant second one is dropped
	sig := <-ch
	assert.Equal(t, "a", sig.RequestedBy)
	select {
	case <-ch:
		t.Fatal("second redundant signal should have been dropped")
	default:
	}
}
