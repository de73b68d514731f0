package rulec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/logger"
)

// retrySchedule spaces the parse service retry attempts
var retrySchedule = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	2000 * time.Millisecond,
}

// ErrLowConfidence is returned when the parse result falls below the
// project's confidence threshold
type ErrLowConfidence struct {
	Confidence float64
	Threshold  float64
}

func (e *ErrLowConfidence) Error() string {
	return fmt.Sprintf("parse confidence %.2f below threshold %.2f", e.Confidence, e.Threshold)
}

// ParseClient calls the external language service that turns natural
// language rule descriptions into DAG definitions
type ParseClient struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewParseClient creates a client from configuration
func NewParseClient(cfg config.LLMConfig, log *logger.Logger) *ParseClient {
	return &ParseClient{
		baseURL: cfg.ServiceURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

// ParseRequest is what the service receives
type ParseRequest struct {
	Text string `json:"text"`

	// Context narrows what the parser may reference
	ConnectorNames []string `json:"connector_names,omitempty"`
	ServiceIDs     []string `json:"service_ids,omitempty"`
}

// ParseResult is the service's answer
type ParseResult struct {
	Definition  *Definition `json:"definition"`
	Confidence  float64     `json:"confidence"`
	Explanation string      `json:"explanation,omitempty"`
}

// Parse sends the rule text and returns the proposed definition. Transient
// failures are retried on a fixed schedule; a result below the confidence
// threshold is an error carrying the explanation for the caller to
// surface.
func (c *ParseClient) Parse(ctx context.Context, req ParseRequest, threshold float64) (*ParseResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal parse request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		if attempt > 0 {
			delay := retrySchedule[attempt-1]
			c.log.Debug("retrying parse service", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, retryable, err := c.call(ctx, body)
		if err == nil {
			if result.Confidence < threshold {
				return nil, &ErrLowConfidence{Confidence: result.Confidence, Threshold: threshold}
			}
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("parse service unavailable: %w", lastErr)
}

// call performs one attempt; retryable is true for network errors and 5xx
func (c *ParseClient) call(ctx context.Context, body []byte) (*ParseResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("parse service returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("parse service returned %d", resp.StatusCode)
	}

	var result ParseResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("decode parse response: %w", err)
	}
	if result.Definition == nil {
		return nil, false, fmt.Errorf("parse service returned no definition")
	}
	return &result, false, nil
}
