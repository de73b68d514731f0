package models

import (
	"encoding/json"
	"time"
)

// TriggerEvent is the normalized event every driver produces and every
// workflow dispatcher consumes
type TriggerEvent struct {
	DriverID     string          `json:"driver_id"`
	ActivationID string          `json:"activation_id"`
	WorkflowID   string          `json:"workflow_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// BufferedKind classifies events persisted by the offline buffer
type BufferedKind string

const (
	BufferedAudit           BufferedKind = "AUDIT"
	BufferedExecutionResult BufferedKind = "EXECUTION_RESULT"
	BufferedTriggerFire     BufferedKind = "TRIGGER_FIRE"
)

// BufferedEvent is the on-disk envelope of the offline buffer (one NDJSON
// line per event, strict FIFO by line order)
type BufferedEvent struct {
	ID         string          `json:"id"`
	Kind       BufferedKind    `json:"kind"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Retries    int             `json:"retries"`
}

// CDCOperation is the normalized change operation
type CDCOperation string

const (
	CDCInsert CDCOperation = "I"
	CDCUpdate CDCOperation = "U"
	CDCDelete CDCOperation = "D"
)

// CDCSource identifies where a change event originated
type CDCSource struct {
	DB        string `json:"db"`
	Table     string `json:"table"`
	Schema    string `json:"schema,omitempty"`
	Connector string `json:"connector,omitempty"`
}

// CDCEvent is a normalized change-data-capture event
type CDCEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    CDCSource       `json:"source"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Operation CDCOperation    `json:"operation"`
	TxID      string          `json:"tx_id"`
	LogOffset int64           `json:"log_offset"`
	SequenceNumber int64      `json:"sequence_number"`
}

// MissionPriority drives the deadline assigned to a CDC-derived mission
type MissionPriority string

const (
	PriorityCritical MissionPriority = "critical"
	PriorityHigh     MissionPriority = "high"
	PriorityNormal   MissionPriority = "normal"
	PriorityLow      MissionPriority = "low"
)

// Deadline returns the execution deadline budget for a priority
func (p MissionPriority) Deadline() time.Duration {
	switch p {
	case PriorityCritical:
		return 5 * time.Minute
	case PriorityHigh:
		return 30 * time.Minute
	case PriorityLow:
		return 24 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// Mission is the unit of work a matched CDC event produces
type Mission struct {
	ID         string          `json:"id"`
	RuleID     string          `json:"rule_id"`
	WorkflowID string          `json:"workflow_id"`
	Priority   MissionPriority `json:"priority"`
	Deadline   time.Time       `json:"deadline"`
	Event      *CDCEvent       `json:"event"`
	CreatedAt  time.Time       `json:"created_at"`
}
