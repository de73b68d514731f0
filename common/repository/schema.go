package repository

import (
	"context"
	"fmt"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/logger"
)

// schema is applied at startup; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		current_version INT NOT NULL DEFAULT 0,
		active_version_id UUID,
		allowed_connector_ids TEXT[] NOT NULL DEFAULT '{}',
		allowed_function_ids TEXT[] NOT NULL DEFAULT '{}',
		allowed_trigger_types TEXT[] NOT NULL DEFAULT '{}',
		allowed_node_ids TEXT[] NOT NULL DEFAULT '{}',
		min_trust_level TEXT NOT NULL DEFAULT 'medium',
		confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		stats JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id)`,

	`CREATE TABLE IF NOT EXISTS project_versions (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id),
		version INT NOT NULL,
		parent_version INT,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		dag_definition JSONB NOT NULL,
		dag_checksum TEXT NOT NULL DEFAULT '',
		ir_binary BYTEA,
		ir_checksum TEXT NOT NULL DEFAULT '',
		ir_signature TEXT NOT NULL DEFAULT '',
		signature_key_id TEXT NOT NULL DEFAULT '',
		node_placements TEXT[] NOT NULL DEFAULT '{}',
		preload_resources JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_by TEXT NOT NULL DEFAULT '',
		compiled_at TIMESTAMPTZ,
		validated_at TIMESTAMPTZ,
		validated_by TEXT NOT NULL DEFAULT '',
		activated_at TIMESTAMPTZ,
		activated_by TEXT NOT NULL DEFAULT '',
		archived_at TIMESTAMPTZ,
		archived_by TEXT NOT NULL DEFAULT '',
		execution_count INT NOT NULL DEFAULT 0,
		last_executed_at TIMESTAMPTZ,
		UNIQUE (project_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_one_active
		ON project_versions(project_id) WHERE status = 'ACTIVE'`,

	`CREATE TABLE IF NOT EXISTS execution_records (
		id UUID PRIMARY KEY,
		version_id UUID NOT NULL REFERENCES project_versions(id),
		user_id TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL DEFAULT '',
		trigger_event_data JSONB,
		input_parameters JSONB,
		status TEXT NOT NULL DEFAULT 'PENDING',
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		executed_on_node TEXT NOT NULL DEFAULT '',
		signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
		output JSONB,
		error JSONB,
		warnings TEXT[] NOT NULL DEFAULT '{}',
		steps_executed JSONB,
		services_called JSONB,
		retry_of UUID
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_version ON execution_records(version_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS memory_states (
		version_id UUID NOT NULL,
		execution_id UUID NOT NULL,
		node_id TEXT NOT NULL,
		trigger_count INT NOT NULL DEFAULT 0,
		last_event_payload JSONB,
		last_event_at TIMESTAMPTZ,
		consecutive_matches INT NOT NULL DEFAULT 0,
		actions_triggered_in_state INT NOT NULL DEFAULT 0,
		consecutive_errors INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (version_id, execution_id, node_id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id UUID PRIMARY KEY,
		sequence_num BIGINT NOT NULL,
		node_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		workflow_version INT,
		execution_id TEXT NOT NULL DEFAULT '',
		instruction_id INT,
		ts TIMESTAMPTZ NOT NULL,
		input_hash TEXT NOT NULL DEFAULT '',
		output_hash TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		details JSONB,
		prev_hash TEXT NOT NULL,
		self_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		public_key TEXT NOT NULL,
		UNIQUE (node_id, sequence_num)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_events(execution_id)`,

	`CREATE TABLE IF NOT EXISTS connectors (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		functions JSONB NOT NULL DEFAULT '[]',
		event_schema JSONB,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connectors_user ON connectors(user_id)`,
}

// InitSchema applies the DDL. Called from bootstrap before any repository
// is used.
func InitSchema(ctx context.Context, database *db.DB, log *logger.Logger) error {
	for i, stmt := range schema {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	log.Info("database schema ready", "statements", len(schema))
	return nil
}
