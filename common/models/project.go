package models

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus represents the lifecycle status of a project
type ProjectStatus string

const (
	ProjectDraft    ProjectStatus = "DRAFT"
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectPaused   ProjectStatus = "PAUSED"
	ProjectArchived ProjectStatus = "ARCHIVED"
)

// Project is a long-lived workspace owning versions, connectors and stats.
// All execution for a project is constrained to its allowed sets.
type Project struct {
	ID     uuid.UUID     `db:"id" json:"id"`
	UserID string        `db:"user_id" json:"user_id"`
	Name   string        `db:"name" json:"name"`
	Status ProjectStatus `db:"status" json:"status"`

	// Monotone version counter; the next draft gets CurrentVersion+1
	CurrentVersion  int        `db:"current_version" json:"current_version"`
	ActiveVersionID *uuid.UUID `db:"active_version_id" json:"active_version_id,omitempty"`

	// Allowed sets — execution may only touch what is listed here
	AllowedConnectorIDs []string `db:"allowed_connector_ids" json:"allowed_connector_ids"`
	AllowedFunctionIDs  []string `db:"allowed_function_ids" json:"allowed_function_ids"`
	AllowedTriggerTypes []string `db:"allowed_trigger_types" json:"allowed_trigger_types"`
	AllowedNodeIDs      []string `db:"allowed_node_ids" json:"allowed_node_ids"`

	// Minimum manifest trust level accepted at compile time
	MinTrustLevel string `db:"min_trust_level" json:"min_trust_level"`

	// Confidence threshold for LLM-produced rules
	ConfidenceThreshold float64 `db:"confidence_threshold" json:"confidence_threshold"`

	Stats ProjectStats `db:"stats" json:"stats"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ProjectStats holds execution counters maintained by the orchestrator
type ProjectStats struct {
	TotalExecutions  int        `json:"total_executions"`
	SucceededCount   int        `json:"succeeded_count"`
	FailedCount      int        `json:"failed_count"`
	CancelledCount   int        `json:"cancelled_count"`
	LastExecutionAt  *time.Time `json:"last_execution_at,omitempty"`
}

// AllowsConnector reports whether connectorID is in the project's allowed set
func (p *Project) AllowsConnector(connectorID string) bool {
	return contains(p.AllowedConnectorIDs, connectorID)
}

// AllowsTriggerType reports whether a trigger type may activate this project
func (p *Project) AllowsTriggerType(triggerType string) bool {
	return contains(p.AllowedTriggerTypes, triggerType)
}

// AllowsNode reports whether nodeID may run this project's workflows
func (p *Project) AllowsNode(nodeID string) bool {
	// An empty set means no placement restriction
	if len(p.AllowedNodeIDs) == 0 {
		return true
	}
	return contains(p.AllowedNodeIDs, nodeID)
}

func contains(set []string, v string) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}
