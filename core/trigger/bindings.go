package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/core/cdc"
)

// DriverBinding declares one trigger source bound to a workflow version
type DriverBinding struct {
	ID         string `json:"id"`
	Type       string `json:"type"` // cron | fswatch | mqtt | webhook
	WorkflowID string `json:"workflow_id"`
	DebounceMS int    `json:"debounce_ms,omitempty"`

	// cron
	Spec    string          `json:"spec,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// fswatch
	Path    string `json:"path,omitempty"`
	Pattern string `json:"pattern,omitempty"`

	// mqtt
	Topic string `json:"topic,omitempty"`
	QoS   byte   `json:"qos,omitempty"`

	// webhook
	Secret string `json:"secret,omitempty"`
	Route  string `json:"route,omitempty"`
}

// Bindings is the node's trigger configuration document
type Bindings struct {
	Drivers  []DriverBinding `json:"drivers"`
	CDCRules []cdc.Rule      `json:"cdc_rules,omitempty"`
}

// LoadBindings reads the trigger bindings document. A missing file means
// the node serves only API-triggered and CDC-less workloads.
func LoadBindings(path string) (*Bindings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Bindings{}, nil
		}
		return nil, fmt.Errorf("read trigger bindings %s: %w", path, err)
	}

	var b Bindings
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse trigger bindings %s: %w", path, err)
	}
	return &b, nil
}

// Webhooks are registered with the HTTP server separately from the bus;
// BuildDrivers returns them alongside the registrations it makes.
func (b *Bindings) BuildDrivers(bus *Bus, mqttBrokerURL string, log *logger.Logger) ([]*WebhookDriver, error) {
	var webhooks []*WebhookDriver

	for i := range b.Drivers {
		d := &b.Drivers[i]
		if d.WorkflowID == "" {
			return nil, fmt.Errorf("driver %d: workflow_id is required", i)
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("%s-%d", d.Type, i)
		}
		id := d.ID
		debounce := time.Duration(d.DebounceMS) * time.Millisecond

		switch d.Type {
		case "cron":
			if d.Spec == "" {
				return nil, fmt.Errorf("driver %s: cron spec is required", id)
			}
			bus.RegisterDriver(NewCronDriver(id, d.WorkflowID, d.Spec, d.Payload, log), debounce)
		case "fswatch":
			if d.Path == "" {
				return nil, fmt.Errorf("driver %s: path is required", id)
			}
			bus.RegisterDriver(NewFileWatchDriver(id, d.WorkflowID, d.Path, d.Pattern, log), debounce)
		case "mqtt":
			if mqttBrokerURL == "" {
				return nil, fmt.Errorf("driver %s: MQTT_BROKER_URL is not configured", id)
			}
			if d.Topic == "" {
				return nil, fmt.Errorf("driver %s: topic is required", id)
			}
			bus.RegisterDriver(NewMQTTDriver(id, d.WorkflowID, mqttBrokerURL, d.Topic, d.QoS, log), debounce)
		case "webhook":
			wh := NewWebhookDriver(id, d.WorkflowID, d.Secret, log)
			bus.RegisterDriver(wh, debounce)
			webhooks = append(webhooks, wh)
		default:
			return nil, fmt.Errorf("driver %s: unknown type %q", id, d.Type)
		}
	}

	return webhooks, nil
}

// Route returns the webhook HTTP route of a driver id, defaulting to
// /hooks/<id>
func (b *Bindings) Route(driverID string) string {
	for _, d := range b.Drivers {
		if d.ID == driverID && d.Route != "" {
			return d.Route
		}
	}
	return "/hooks/" + driverID
}
