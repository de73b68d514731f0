// Package export delivers sealed audit events to the central broker.
// Delivery failures never lose events: a circuit breaker shields the
// broker, and events that cannot be published are enqueued in the offline
// buffer and re-driven from there in FIFO order.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/common/queue"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/buffer"
)

// wireEvent is the published form of an audit event: everything except the
// node's public key, which consumers obtain from chain registration, not
// from the stream.
type wireEvent struct {
	EventID         string                 `json:"event_id"`
	SequenceNum     uint64                 `json:"sequence_num"`
	Timestamp       time.Time              `json:"timestamp"`
	NodeID          string                 `json:"node_id"`
	EventType       string                 `json:"event_type"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	WorkflowVersion *int                   `json:"workflow_version,omitempty"`
	ExecutionID     string                 `json:"execution_id,omitempty"`
	InstructionID   *int                   `json:"instruction_id,omitempty"`
	InputHash       string                 `json:"input_hash,omitempty"`
	OutputHash      string                 `json:"output_hash,omitempty"`
	DurationMS      int64                  `json:"duration_ms,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	PrevHash        string                 `json:"prev_hash"`
	SelfHash        string                 `json:"self_hash"`
	Signature       string                 `json:"signature"`
}

func toWire(ev *audit.Event) wireEvent {
	return wireEvent{
		EventID:         ev.EventID,
		SequenceNum:     ev.SequenceNum,
		Timestamp:       ev.Timestamp,
		NodeID:          ev.NodeID,
		EventType:       ev.EventType,
		WorkflowID:      ev.WorkflowID,
		WorkflowVersion: ev.WorkflowVersion,
		ExecutionID:     ev.ExecutionID,
		InstructionID:   ev.InstructionID,
		InputHash:       ev.InputHash,
		OutputHash:      ev.OutputHash,
		DurationMS:      ev.DurationMS,
		Details:         ev.Details,
		PrevHash:        ev.PrevHash,
		SelfHash:        ev.SelfHash,
		Signature:       ev.Signature,
	}
}

// Exporter publishes audit events to the broker topic, keyed by workflow id
// so all events of one workflow stay ordered within a partition
type Exporter struct {
	queue   queue.Queue
	topic   string
	chainID string
	buffer  *buffer.Buffer
	log     *logger.Logger
	breaker *gobreaker.CircuitBreaker
}

// New wires the exporter and registers its buffer flush handler so
// offline-buffered audit events drain back through the same publish path.
// chainID identifies this node's chain to consumers (the hex public key).
func New(q queue.Queue, topic, chainID string, buf *buffer.Buffer, log *logger.Logger) *Exporter {
	e := &Exporter{
		queue:   q,
		topic:   topic,
		chainID: chainID,
		buffer:  buf,
		log:     log,
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-export",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("audit export breaker state change",
				"from", from.String(), "to", to.String())
		},
	})

	buf.RegisterHandler(models.BufferedAudit, e.flushBuffered)
	return e
}

// Export publishes one audit event. On failure the event lands in the
// offline buffer; Export only errors when even buffering fails.
func (e *Exporter) Export(ctx context.Context, ev *audit.Event) error {
	if err := e.publish(ctx, ev); err != nil {
		e.log.Warn("audit publish failed, buffering offline",
			"event_id", ev.EventID, "seq", ev.SequenceNum, "error", err)

		payload, merr := json.Marshal(ev)
		if merr != nil {
			return fmt.Errorf("marshal audit event for buffer: %w", merr)
		}
		if _, berr := e.buffer.Enqueue(models.BufferedAudit, ev.WorkflowID, payload); berr != nil {
			return fmt.Errorf("buffer audit event %s: %w", ev.EventID, berr)
		}
		return nil
	}
	return nil
}

// publish sends the wire form through the breaker
func (e *Exporter) publish(ctx context.Context, ev *audit.Event) error {
	payload, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = e.breaker.Execute(func() (interface{}, error) {
		return nil, e.queue.Publish(ctx, e.topic, ev.WorkflowID, payload, map[string]string{
			"x-event-type":     ev.EventType,
			"x-node-id":        ev.NodeID,
			"x-workflow-id":    ev.WorkflowID,
			"x-audit-chain-id": e.chainID,
		})
	})
	return err
}

// flushBuffered redelivers one offline-buffered audit event
func (e *Exporter) flushBuffered(ctx context.Context, bev *models.BufferedEvent) error {
	var ev audit.Event
	if err := json.Unmarshal(bev.Payload, &ev); err != nil {
		// Unparseable events would wedge the FIFO head forever; log and
		// let them go
		e.log.Error("dropping unparseable buffered audit event",
			"buffered_id", bev.ID, "error", err)
		return nil
	}
	return e.publish(ctx, &ev)
}

// Sink adapts the exporter to the audit chain's sink signature. Chain
// appends must never block on the broker, so the publish runs detached
// with its own timeout.
func (e *Exporter) Sink() func(*audit.Event) error {
	return func(ev *audit.Event) error {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Export(ctx, ev); err != nil {
				e.log.Error("audit event lost", "event_id", ev.EventID, "error", err)
			}
		}()
		return nil
	}
}
