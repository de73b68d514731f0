package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// MemoryStateRepository persists per-(version, execution, node) memory.
// Single writer: the orchestrator owning the execution.
type MemoryStateRepository struct {
	db *db.DB
}

// NewMemoryStateRepository creates a new memory state repository
func NewMemoryStateRepository(database *db.DB) *MemoryStateRepository {
	return &MemoryStateRepository{db: database}
}

// Get retrieves the memory state, or nil when none exists yet
func (r *MemoryStateRepository) Get(ctx context.Context, versionID, executionID uuid.UUID, nodeID string) (*models.MemoryState, error) {
	query := `
		SELECT version_id, execution_id, node_id, trigger_count, last_event_payload,
			last_event_at, consecutive_matches, actions_triggered_in_state,
			consecutive_errors, last_error, updated_at
		FROM memory_states
		WHERE version_id = $1 AND execution_id = $2 AND node_id = $3
	`

	m := &models.MemoryState{}
	err := r.db.QueryRow(ctx, query, versionID, executionID, nodeID).Scan(
		&m.VersionID,
		&m.ExecutionID,
		&m.NodeID,
		&m.TriggerCount,
		&m.LastEventPayload,
		&m.LastEventAt,
		&m.ConsecutiveMatches,
		&m.ActionsTriggeredInState,
		&m.ConsecutiveErrors,
		&m.LastError,
		&m.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory state: %w", err)
	}

	return m, nil
}

// Upsert writes the full state row
func (r *MemoryStateRepository) Upsert(ctx context.Context, m *models.MemoryState) error {
	query := `
		INSERT INTO memory_states (
			version_id, execution_id, node_id, trigger_count, last_event_payload,
			last_event_at, consecutive_matches, actions_triggered_in_state,
			consecutive_errors, last_error, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (version_id, execution_id, node_id) DO UPDATE SET
			trigger_count = EXCLUDED.trigger_count,
			last_event_payload = EXCLUDED.last_event_payload,
			last_event_at = EXCLUDED.last_event_at,
			consecutive_matches = EXCLUDED.consecutive_matches,
			actions_triggered_in_state = EXCLUDED.actions_triggered_in_state,
			consecutive_errors = EXCLUDED.consecutive_errors,
			last_error = EXCLUDED.last_error,
			updated_at = now()
	`

	_, err := r.db.Exec(ctx, query,
		m.VersionID, m.ExecutionID, m.NodeID, m.TriggerCount, m.LastEventPayload,
		m.LastEventAt, m.ConsecutiveMatches, m.ActionsTriggeredInState,
		m.ConsecutiveErrors, m.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert memory state: %w", err)
	}

	return nil
}

// DeleteByVersion drops all memory for a version (archival cleanup)
func (r *MemoryStateRepository) DeleteByVersion(ctx context.Context, versionID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM memory_states WHERE version_id = $1`, versionID); err != nil {
		return fmt.Errorf("failed to delete memory states: %w", err)
	}
	return nil
}
