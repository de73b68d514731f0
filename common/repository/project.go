package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// ProjectRepository handles database operations for projects
type ProjectRepository struct {
	db *db.DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(database *db.DB) *ProjectRepository {
	return &ProjectRepository{db: database}
}

const projectColumns = `id, user_id, name, status, current_version, active_version_id,
	allowed_connector_ids, allowed_function_ids, allowed_trigger_types, allowed_node_ids,
	min_trust_level, confidence_threshold, stats, created_at, updated_at`

// Create inserts a new project
func (r *ProjectRepository) Create(ctx context.Context, p *models.Project) error {
	stats, err := json.Marshal(p.Stats)
	if err != nil {
		return fmt.Errorf("marshal project stats: %w", err)
	}

	query := `
		INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.db.Exec(
		ctx,
		query,
		p.ID,
		p.UserID,
		p.Name,
		p.Status,
		p.CurrentVersion,
		p.ActiveVersionID,
		p.AllowedConnectorIDs,
		p.AllowedFunctionIDs,
		p.AllowedTriggerTypes,
		p.AllowedNodeIDs,
		p.MinTrustLevel,
		p.ConfidenceThreshold,
		stats,
		p.CreatedAt,
		p.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	return nil
}

// GetByID retrieves a project by its ID
func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p := &models.Project{}
	var stats []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.Status,
		&p.CurrentVersion,
		&p.ActiveVersionID,
		&p.AllowedConnectorIDs,
		&p.AllowedFunctionIDs,
		&p.AllowedTriggerTypes,
		&p.AllowedNodeIDs,
		&p.MinTrustLevel,
		&p.ConfidenceThreshold,
		&stats,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &p.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode project stats: %w", err)
		}
	}

	return p, nil
}

// ListByUser retrieves every project owned by a user
func (r *ProjectRepository) ListByUser(ctx context.Context, userID string) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p := &models.Project{}
		var stats []byte
		err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.Name,
			&p.Status,
			&p.CurrentVersion,
			&p.ActiveVersionID,
			&p.AllowedConnectorIDs,
			&p.AllowedFunctionIDs,
			&p.AllowedTriggerTypes,
			&p.AllowedNodeIDs,
			&p.MinTrustLevel,
			&p.ConfidenceThreshold,
			&stats,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &p.Stats); err != nil {
				return nil, fmt.Errorf("failed to decode project stats: %w", err)
			}
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// UpdateStatus updates the project lifecycle status
func (r *ProjectRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus) error {
	query := `UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s not found", id)
	}

	return nil
}

// BumpVersion reserves the next version number for a project and returns it
func (r *ProjectRepository) BumpVersion(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE projects
		SET current_version = current_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING current_version
	`

	var version int
	if err := r.db.QueryRow(ctx, query, id).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to bump project version: %w", err)
	}

	return version, nil
}

// RecordExecution folds one terminal execution into the project stats
func (r *ProjectRepository) RecordExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, at time.Time) error {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	p.Stats.TotalExecutions++
	switch status {
	case models.ExecutionSucceeded:
		p.Stats.SucceededCount++
	case models.ExecutionFailed:
		p.Stats.FailedCount++
	case models.ExecutionCancelled:
		p.Stats.CancelledCount++
	}
	p.Stats.LastExecutionAt = &at

	stats, err := json.Marshal(p.Stats)
	if err != nil {
		return fmt.Errorf("marshal project stats: %w", err)
	}

	query := `UPDATE projects SET stats = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id, stats); err != nil {
		return fmt.Errorf("failed to update project stats: %w", err)
	}

	return nil
}
