package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// MQTTDriver fires on messages received on an MQTT topic
type MQTTDriver struct {
	id         string
	workflowID string
	brokerURL  string
	topic      string
	qos        byte
	log        *logger.Logger

	client mqtt.Client
}

// NewMQTTDriver subscribes to topic on the given broker
func NewMQTTDriver(id, workflowID, brokerURL, topic string, qos byte, log *logger.Logger) *MQTTDriver {
	return &MQTTDriver{
		id:         id,
		workflowID: workflowID,
		brokerURL:  brokerURL,
		topic:      topic,
		qos:        qos,
		log:        log,
	}
}

func (d *MQTTDriver) ID() string { return d.id }

func (d *MQTTDriver) Start(ctx context.Context, emit EmitFunc) error {
	opts := mqtt.NewClientOptions().
		AddBroker(d.brokerURL).
		SetClientID("eyeflow-" + d.id).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(d.topic, d.qos, func(_ mqtt.Client, msg mqtt.Message) {
				// Message payloads are forwarded verbatim when they are
				// valid JSON, wrapped otherwise
				payload := msg.Payload()
				if !json.Valid(payload) {
					payload, _ = json.Marshal(map[string]string{"raw": string(msg.Payload())})
				}
				emit(models.TriggerEvent{
					DriverID:   d.id,
					WorkflowID: d.workflowID,
					Timestamp:  time.Now().UTC(),
					Payload:    payload,
				})
			})
			if token.Wait() && token.Error() != nil {
				d.log.Error("mqtt subscribe failed",
					"driver", d.id, "topic", d.topic, "error", token.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			d.log.Warn("mqtt connection lost", "driver", d.id, "error", err)
		})

	d.client = mqtt.NewClient(opts)
	token := d.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt driver %s: connect %s: %w", d.id, d.brokerURL, token.Error())
	}

	go func() {
		<-ctx.Done()
		d.client.Disconnect(250)
	}()
	return nil
}

func (d *MQTTDriver) Stop() error {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	return nil
}
