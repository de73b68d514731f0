// Package trigger turns external stimuli (schedules, file changes, MQTT
// messages, webhooks) into normalized activation events and dispatches
// them to workflows. Dispatch is serialized per workflow: one activation
// at a time, in arrival order.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// Driver produces activation events. Start must return promptly, running
// its watch loop in the background until the context is cancelled.
type Driver interface {
	ID() string
	Start(ctx context.Context, emit EmitFunc) error
	Stop() error
}

// EmitFunc is how drivers hand events to the bus
type EmitFunc func(ev models.TriggerEvent)

// Handler executes one activation for a workflow
type Handler func(ctx context.Context, ev models.TriggerEvent) error

// Bus fans driver events into per-workflow dispatch queues
type Bus struct {
	log *logger.Logger

	mu       sync.Mutex
	drivers  map[string]Driver
	handlers map[string]Handler        // workflow id -> handler
	queues   map[string]chan models.TriggerEvent
	debounce map[string]time.Duration  // driver id -> min interval
	lastFire map[string]time.Time      // driver id -> last accepted event

	queueSize int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// newActivationID mints the id drivers may assign before handing an event
// to the bus
func newActivationID() string {
	return uuid.NewString()
}

// NewBus creates a trigger bus with the given per-workflow queue depth
func NewBus(queueSize int, log *logger.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		log:       log,
		drivers:   make(map[string]Driver),
		handlers:  make(map[string]Handler),
		queues:    make(map[string]chan models.TriggerEvent),
		debounce:  make(map[string]time.Duration),
		lastFire:  make(map[string]time.Time),
		queueSize: queueSize,
	}
}

// RegisterDriver adds a driver; it starts when the bus starts. An optional
// debounce interval suppresses events arriving faster than the interval.
func (b *Bus) RegisterDriver(d Driver, debounce time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drivers[d.ID()] = d
	if debounce > 0 {
		b.debounce[d.ID()] = debounce
	}
}

// RegisterWorkflow binds a workflow id to its activation handler
func (b *Bus) RegisterWorkflow(workflowID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[workflowID] = h
}

// UnregisterWorkflow removes the binding; queued events for it are dropped
// by the dispatch loop
func (b *Bus) UnregisterWorkflow(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, workflowID)
}

// Start launches every registered driver
func (b *Bus) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.mu.Lock()
	drivers := make([]Driver, 0, len(b.drivers))
	for _, d := range b.drivers {
		drivers = append(drivers, d)
	}
	b.mu.Unlock()

	for _, d := range drivers {
		if err := d.Start(b.ctx, b.Emit); err != nil {
			return err
		}
		b.log.Info("trigger driver started", "driver", d.ID())
	}
	return nil
}

// Emit accepts one event, applying the driver's debounce and routing it to
// the owning workflow's queue
func (b *Bus) Emit(ev models.TriggerEvent) {
	if ev.ActivationID == "" {
		ev.ActivationID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if interval, ok := b.debounce[ev.DriverID]; ok {
		if last, fired := b.lastFire[ev.DriverID]; fired && ev.Timestamp.Sub(last) < interval {
			b.mu.Unlock()
			b.log.Debug("trigger event debounced",
				"driver", ev.DriverID, "workflow", ev.WorkflowID)
			return
		}
		b.lastFire[ev.DriverID] = ev.Timestamp
	}

	q, ok := b.queues[ev.WorkflowID]
	if !ok {
		q = make(chan models.TriggerEvent, b.queueSize)
		b.queues[ev.WorkflowID] = q
		b.wg.Add(1)
		go b.dispatchLoop(ev.WorkflowID, q)
	}
	b.mu.Unlock()

	select {
	case q <- ev:
	default:
		b.log.Warn("trigger queue full, dropping event",
			"workflow", ev.WorkflowID, "activation", ev.ActivationID)
	}
}

// dispatchLoop serializes activations for one workflow
func (b *Bus) dispatchLoop(workflowID string, q chan models.TriggerEvent) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-q:
			b.mu.Lock()
			h := b.handlers[workflowID]
			b.mu.Unlock()

			if h == nil {
				// A fired trigger with no handler is lost work, not noise
				b.log.Warn("dropping event for unregistered workflow",
					"workflow", workflowID, "activation", ev.ActivationID)
				continue
			}
			if err := h(b.ctx, ev); err != nil {
				b.log.Error("workflow activation failed",
					"workflow", workflowID, "activation", ev.ActivationID, "error", err)
			}
		}
	}
}

// Stop stops every driver and dispatch loop
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	drivers := make([]Driver, 0, len(b.drivers))
	for _, d := range b.drivers {
		drivers = append(drivers, d)
	}
	b.mu.Unlock()

	for _, d := range drivers {
		if err := d.Stop(); err != nil {
			b.log.Warn("trigger driver stop failed", "driver", d.ID(), "error", err)
		}
	}
	b.wg.Wait()
}
