// Package cancel distributes cancellation and emergency-stop signals to
// running executions. The bus is backed by Redis pub/sub; when Redis is
// unreachable the bus degrades to local-only delivery so in-process
// executions can still be stopped.
package cancel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	commonredis "github.com/mbathe/eyeflow-sub003/common/redis"
)

// Channel naming: one channel per execution plus a broadcast channel
const (
	channelPrefix    = "cancel:"
	broadcastChannel = "cancel:all"
)

// Reason classifies why an execution is being stopped
type Reason string

const (
	ReasonUserCancel    Reason = "USER_CANCEL"
	ReasonEmergencyStop Reason = "EMERGENCY_STOP"
	ReasonDeadline      Reason = "DEADLINE_EXCEEDED"
)

// plainCancelPayload is the bare-string form of a cancellation message;
// the execution id comes from the channel name
const plainCancelPayload = "CANCEL"

// Signal is the message carried on the bus
type Signal struct {
	ExecutionID string    `json:"execution_id"` // empty for broadcast
	Reason      Reason    `json:"reason"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Target      string    `json:"target,omitempty"` // broadcast substring filter
	Timestamp   time.Time `json:"timestamp"`
}

// parseSignal decodes a bus message. Both forms are accepted: a JSON
// Signal, and the plain "CANCEL" payload addressed by its channel name.
func parseSignal(channel, payload string) (Signal, bool) {
	if strings.TrimSpace(payload) == plainCancelPayload {
		executionID := strings.TrimPrefix(channel, channelPrefix)
		if channel == broadcastChannel {
			executionID = ""
		}
		return Signal{
			ExecutionID: executionID,
			Reason:      ReasonUserCancel,
			Timestamp:   time.Now().UTC(),
		}, true
	}

	var sig Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return Signal{}, false
	}
	return sig, true
}

// Bus fans cancellation signals out to registered executions
type Bus struct {
	redis    *commonredis.Client
	log      *logger.Logger
	disabled bool

	mu      sync.Mutex
	watches map[string]chan Signal // execution id -> delivery channel
}

// New creates the bus. redis may be nil (or disabled true) for degraded
// local-only operation.
func New(redisClient *commonredis.Client, disabled bool, log *logger.Logger) *Bus {
	return &Bus{
		redis:    redisClient,
		log:      log,
		disabled: disabled || redisClient == nil,
		watches:  make(map[string]chan Signal),
	}
}

// Run subscribes to the broadcast channel and to pattern-matched
// per-execution channels, dispatching signals to local watchers until the
// context is cancelled. In degraded mode Run returns immediately.
func (b *Bus) Run(ctx context.Context) {
	if b.disabled {
		b.log.Warn("cancellation bus running in local-only mode")
		return
	}

	sub := b.redis.GetUnderlying().PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sig, ok := parseSignal(msg.Channel, msg.Payload)
			if !ok {
				b.log.Warn("malformed cancellation signal", "channel", msg.Channel)
				continue
			}
			b.deliverLocal(sig)
		}
	}
}

// Watch registers an execution and returns the channel its cancellation
// signal arrives on. The caller must Unwatch when the execution finishes.
func (b *Bus) Watch(executionID string) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Signal, 1)
	b.watches[executionID] = ch
	return ch
}

// Unwatch deregisters an execution
func (b *Bus) Unwatch(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watches, executionID)
}

// Cancel requests cancellation of one execution. The signal is published
// cluster-wide when Redis is available and always delivered locally.
func (b *Bus) Cancel(ctx context.Context, executionID, requestedBy string, reason Reason) error {
	sig := Signal{
		ExecutionID: executionID,
		Reason:      reason,
		RequestedBy: requestedBy,
		Timestamp:   time.Now().UTC(),
	}
	b.deliverLocal(sig)

	if b.disabled {
		return nil
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return b.redis.PublishEvent(ctx, channelPrefix+executionID, string(payload))
}

// EmergencyStop signals registered executions on every node. A non-empty
// target narrows the stop to executions whose watch key contains it;
// an empty target stops everything.
func (b *Bus) EmergencyStop(ctx context.Context, requestedBy, target string) error {
	sig := Signal{
		Reason:      ReasonEmergencyStop,
		RequestedBy: requestedBy,
		Target:      target,
		Timestamp:   time.Now().UTC(),
	}
	b.deliverLocal(sig)

	if b.disabled {
		return nil
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return b.redis.PublishEvent(ctx, broadcastChannel, string(payload))
}

// deliverLocal routes a signal to the matching local watcher, or across
// all of them for a broadcast (subject to the target filter). Delivery
// never blocks: each watcher channel has capacity one and later signals
// for an already-cancelled execution are redundant.
func (b *Bus) deliverLocal(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sig.ExecutionID == "" {
		for key, ch := range b.watches {
			if sig.Target != "" && !strings.Contains(key, sig.Target) {
				continue
			}
			select {
			case ch <- sig:
			default:
			}
		}
		return
	}
	if ch, ok := b.watches[sig.ExecutionID]; ok {
		select {
		case ch <- sig:
		default:
		}
	}
}
