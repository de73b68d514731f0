package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// ExecutionRepository handles database operations for execution records
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

// Create inserts the record at execution start (status PENDING or RUNNING)
func (r *ExecutionRepository) Create(ctx context.Context, e *models.ExecutionRecord) error {
	query := `
		INSERT INTO execution_records (
			id, version_id, user_id, trigger_type, trigger_event_data, input_parameters,
			status, started_at, executed_on_node, retry_of
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		e.ID,
		e.VersionID,
		e.UserID,
		e.TriggerType,
		e.TriggerEventData,
		e.InputParameters,
		e.Status,
		e.StartedAt,
		e.ExecutedOnNode,
		e.RetryOf,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution record: %w", err)
	}

	return nil
}

// Complete writes the terminal state of an execution. Records already in a
// terminal status are immutable; the update silently matches zero rows.
func (r *ExecutionRepository) Complete(ctx context.Context, e *models.ExecutionRecord) error {
	steps, err := json.Marshal(e.StepsExecuted)
	if err != nil {
		return fmt.Errorf("marshal executed steps: %w", err)
	}
	services, err := json.Marshal(e.ServicesCalled)
	if err != nil {
		return fmt.Errorf("marshal service calls: %w", err)
	}
	var errJSON []byte
	if e.Error != nil {
		if errJSON, err = json.Marshal(e.Error); err != nil {
			return fmt.Errorf("marshal execution error: %w", err)
		}
	}

	query := `
		UPDATE execution_records
		SET status = $2, completed_at = $3, duration_ms = $4, signature_verified = $5,
			output = $6, error = $7, warnings = $8, steps_executed = $9, services_called = $10
		WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
	`

	tag, err := r.db.Exec(ctx, query,
		e.ID, e.Status, e.CompletedAt, e.DurationMS, e.SignatureVerified,
		e.Output, errJSON, e.Warnings, steps, services)
	if err != nil {
		return fmt.Errorf("failed to complete execution record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s is already terminal", e.ID)
	}

	return nil
}

// GetByID retrieves one execution record
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionRecord, error) {
	query := `
		SELECT id, version_id, user_id, trigger_type, trigger_event_data, input_parameters,
			status, started_at, completed_at, duration_ms, executed_on_node, signature_verified,
			output, error, warnings, steps_executed, services_called, retry_of
		FROM execution_records
		WHERE id = $1
	`

	e := &models.ExecutionRecord{}
	var errJSON, steps, services []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.VersionID,
		&e.UserID,
		&e.TriggerType,
		&e.TriggerEventData,
		&e.InputParameters,
		&e.Status,
		&e.StartedAt,
		&e.CompletedAt,
		&e.DurationMS,
		&e.ExecutedOnNode,
		&e.SignatureVerified,
		&e.Output,
		&errJSON,
		&e.Warnings,
		&steps,
		&services,
		&e.RetryOf,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}

	if len(errJSON) > 0 {
		e.Error = &models.ExecutionError{}
		if err := json.Unmarshal(errJSON, e.Error); err != nil {
			return nil, fmt.Errorf("failed to decode execution error: %w", err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &e.StepsExecuted); err != nil {
			return nil, fmt.Errorf("failed to decode executed steps: %w", err)
		}
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &e.ServicesCalled); err != nil {
			return nil, fmt.Errorf("failed to decode service calls: %w", err)
		}
	}

	return e, nil
}

// CountRunning counts the version's executions still in flight
func (r *ExecutionRepository) CountRunning(ctx context.Context, versionID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM execution_records WHERE version_id = $1 AND status = 'RUNNING'`

	var count int
	if err := r.db.QueryRow(ctx, query, versionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count running executions: %w", err)
	}
	return count, nil
}

// ListByVersion retrieves recent executions of a version, newest first
func (r *ExecutionRepository) ListByVersion(ctx context.Context, versionID uuid.UUID, limit int) ([]*models.ExecutionRecord, error) {
	query := `
		SELECT id, version_id, user_id, trigger_type, status, started_at, completed_at,
			duration_ms, executed_on_node, signature_verified
		FROM execution_records
		WHERE version_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, versionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		e := &models.ExecutionRecord{}
		err := rows.Scan(
			&e.ID,
			&e.VersionID,
			&e.UserID,
			&e.TriggerType,
			&e.Status,
			&e.StartedAt,
			&e.CompletedAt,
			&e.DurationMS,
			&e.ExecutedOnNode,
			&e.SignatureVerified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}
