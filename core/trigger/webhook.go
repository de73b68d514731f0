package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// WebhookDriver fires on inbound HTTP POSTs. Unlike the other drivers it
// has no background loop: the HTTP server pushes into it via Handler.
type WebhookDriver struct {
	id         string
	workflowID string
	secret     string // optional HMAC-SHA256 signing secret
	log        *logger.Logger

	mu   sync.Mutex
	emit EmitFunc
}

// NewWebhookDriver creates a webhook endpoint driver. A non-empty secret
// requires requests to carry a valid X-Signature-256 header.
func NewWebhookDriver(id, workflowID, secret string, log *logger.Logger) *WebhookDriver {
	return &WebhookDriver{
		id:         id,
		workflowID: workflowID,
		secret:     secret,
		log:        log,
	}
}

func (d *WebhookDriver) ID() string { return d.id }

func (d *WebhookDriver) Start(ctx context.Context, emit EmitFunc) error {
	d.mu.Lock()
	d.emit = emit
	d.mu.Unlock()
	return nil
}

func (d *WebhookDriver) Stop() error {
	d.mu.Lock()
	d.emit = nil
	d.mu.Unlock()
	return nil
}

// Handler returns the echo handler serving this webhook
func (d *WebhookDriver) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}

		if d.secret != "" {
			sig := c.Request().Header.Get("X-Signature-256")
			if !d.verify(body, sig) {
				d.log.Warn("webhook signature rejected", "driver", d.id)
				return echo.NewHTTPError(http.StatusUnauthorized, "bad signature")
			}
		}

		d.mu.Lock()
		emit := d.emit
		d.mu.Unlock()
		if emit == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "driver not started")
		}

		ev := models.TriggerEvent{
			DriverID:     d.id,
			ActivationID: newActivationID(),
			WorkflowID:   d.workflowID,
			Timestamp:    time.Now().UTC(),
			Payload:      body,
		}
		emit(ev)

		return c.JSON(http.StatusAccepted, map[string]string{
			"activation_id": ev.ActivationID,
			"status":        "accepted",
		})
	}
}

func (d *WebhookDriver) verify(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(d.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}
