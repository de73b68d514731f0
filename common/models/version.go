package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VersionStatus represents the lifecycle status of a project version
type VersionStatus string

const (
	VersionDraft     VersionStatus = "DRAFT"
	VersionValid     VersionStatus = "VALID"
	VersionActive    VersionStatus = "ACTIVE"
	VersionArchived  VersionStatus = "ARCHIVED"
	VersionExecuting VersionStatus = "EXECUTING" // transient marker during atomic transitions
)

// ProjectVersion is an immutable snapshot of a project's workflow.
// Once a version leaves DRAFT its DAG definition and IR never change.
type ProjectVersion struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`

	// Monotone per project, >= 1
	Version       int  `db:"version" json:"version"`
	ParentVersion *int `db:"parent_version" json:"parent_version,omitempty"`

	Status VersionStatus `db:"status" json:"status"`

	// Human-readable DAG source of truth and its canonical checksum
	DAGDefinition json.RawMessage `db:"dag_definition" json:"dag_definition"`
	DAGChecksum   string          `db:"dag_checksum" json:"dag_checksum"`

	// Compiled artifact
	IRBinary       []byte `db:"ir_binary" json:"-"`
	IRChecksum     string `db:"ir_checksum" json:"ir_checksum"`
	IRSignature    string `db:"ir_signature" json:"ir_signature,omitempty"`
	SignatureKeyID string `db:"signature_key_id" json:"signature_key_id,omitempty"`

	// Node placement constraints and optional preload manifest
	NodePlacements   []string        `db:"node_placements" json:"node_placements,omitempty"`
	PreloadResources json.RawMessage `db:"preload_resources" json:"preload_resources,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CreatedBy   string     `db:"created_by" json:"created_by"`
	CompiledAt  *time.Time `db:"compiled_at" json:"compiled_at,omitempty"`
	ValidatedAt *time.Time `db:"validated_at" json:"validated_at,omitempty"`
	ValidatedBy string     `db:"validated_by" json:"validated_by,omitempty"`
	ActivatedAt *time.Time `db:"activated_at" json:"activated_at,omitempty"`
	ActivatedBy string     `db:"activated_by" json:"activated_by,omitempty"`
	ArchivedAt  *time.Time `db:"archived_at" json:"archived_at,omitempty"`
	ArchivedBy  string     `db:"archived_by" json:"archived_by,omitempty"`

	ExecutionCount int        `db:"execution_count" json:"execution_count"`
	LastExecutedAt *time.Time `db:"last_executed_at" json:"last_executed_at,omitempty"`
}

// IsTerminalStatus reports whether the version can no longer transition
func (v *ProjectVersion) IsTerminalStatus() bool {
	return v.Status == VersionArchived
}

// CanActivate reports whether the version may transition to ACTIVE.
// VALID versions always can; ARCHIVED versions can when their compiled
// artifact is still present (re-activation of a rolled-back version).
func (v *ProjectVersion) CanActivate() bool {
	switch v.Status {
	case VersionValid:
		return true
	case VersionArchived:
		return len(v.IRBinary) > 0 && v.IRChecksum != ""
	default:
		return false
	}
}
