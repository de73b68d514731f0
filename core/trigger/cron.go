package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// CronDriver fires on a cron schedule
type CronDriver struct {
	id         string
	workflowID string
	spec       string
	payload    json.RawMessage
	log        *logger.Logger

	runner *cron.Cron
}

// NewCronDriver creates a schedule driver. spec uses standard five-field
// cron syntax; "@every 30s" style descriptors also work.
func NewCronDriver(id, workflowID, spec string, payload json.RawMessage, log *logger.Logger) *CronDriver {
	return &CronDriver{
		id:         id,
		workflowID: workflowID,
		spec:       spec,
		payload:    payload,
		log:        log,
	}
}

func (d *CronDriver) ID() string { return d.id }

// Start validates the schedule and begins firing
func (d *CronDriver) Start(ctx context.Context, emit EmitFunc) error {
	d.runner = cron.New()
	_, err := d.runner.AddFunc(d.spec, func() {
		emit(models.TriggerEvent{
			DriverID:   d.id,
			WorkflowID: d.workflowID,
			Timestamp:  time.Now().UTC(),
			Payload:    d.payload,
		})
	})
	if err != nil {
		return fmt.Errorf("cron driver %s: bad schedule %q: %w", d.id, d.spec, err)
	}
	d.runner.Start()

	go func() {
		<-ctx.Done()
		d.runner.Stop()
	}()
	return nil
}

func (d *CronDriver) Stop() error {
	if d.runner != nil {
		d.runner.Stop()
	}
	return nil
}
