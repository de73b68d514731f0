package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the status of a single workflow execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status ends an execution
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the outcome of one executed instruction
type StepStatus string

const (
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// ExecutedStep is the per-instruction trace entry of an execution record
type ExecutedStep struct {
	InstructionID string          `json:"instruction_id"`
	Opcode        string          `json:"opcode"`
	Status        StepStatus      `json:"status"`
	DurationMS    int64           `json:"duration_ms"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ServiceCallRecord captures one CALL_SERVICE dispatch for diagnostics
type ServiceCallRecord struct {
	ServiceID  string `json:"service_id"`
	Format     string `json:"format"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecutionError carries a failure message with its stack
type ExecutionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ExecutionRecord is the append-only record of a single execution.
// Immutable once Status is terminal.
type ExecutionRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	VersionID uuid.UUID `db:"version_id" json:"version_id"`
	UserID    string    `db:"user_id" json:"user_id"`

	TriggerType      string          `db:"trigger_type" json:"trigger_type"`
	TriggerEventData json.RawMessage `db:"trigger_event_data" json:"trigger_event_data,omitempty"`
	InputParameters  json.RawMessage `db:"input_parameters" json:"input_parameters,omitempty"`

	Status ExecutionStatus `db:"status" json:"status"`

	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMS  int64      `db:"duration_ms" json:"duration_ms"`

	ExecutedOnNode    string `db:"executed_on_node" json:"executed_on_node"`
	SignatureVerified bool   `db:"signature_verified" json:"signature_verified"`

	Output json.RawMessage `db:"output" json:"output,omitempty"`
	Error  *ExecutionError `db:"error" json:"error,omitempty"`

	Warnings      []string            `db:"warnings" json:"warnings,omitempty"`
	StepsExecuted []ExecutedStep      `db:"steps_executed" json:"steps_executed,omitempty"`
	ServicesCalled []ServiceCallRecord `db:"services_called" json:"services_called,omitempty"`

	// Retry lineage: the execution this one retries, if any
	RetryOf *uuid.UUID `db:"retry_of" json:"retry_of,omitempty"`
}

// MemoryState holds per-(version, execution, node) counters and caches.
// Single-writer: only the orchestrator of the owning execution mutates it.
type MemoryState struct {
	VersionID   uuid.UUID `db:"version_id" json:"version_id"`
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`
	NodeID      string    `db:"node_id" json:"node_id"`

	TriggerCount           int             `db:"trigger_count" json:"trigger_count"`
	LastEventPayload       json.RawMessage `db:"last_event_payload" json:"last_event_payload,omitempty"`
	LastEventAt            *time.Time      `db:"last_event_at" json:"last_event_at,omitempty"`
	ConsecutiveMatches     int             `db:"consecutive_matches" json:"consecutive_matches"`
	ActionsTriggeredInState int            `db:"actions_triggered_in_state" json:"actions_triggered_in_state"`
	ConsecutiveErrors      int             `db:"consecutive_errors" json:"consecutive_errors"`
	LastError              string          `db:"last_error" json:"last_error,omitempty"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
