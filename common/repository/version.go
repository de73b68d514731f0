package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// VersionRepository handles database operations for project versions
type VersionRepository struct {
	db *db.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(database *db.DB) *VersionRepository {
	return &VersionRepository{db: database}
}

const versionColumns = `id, project_id, version, parent_version, status,
	dag_definition, dag_checksum, ir_binary, ir_checksum, ir_signature, signature_key_id,
	node_placements, preload_resources,
	created_at, created_by, compiled_at, validated_at, validated_by,
	activated_at, activated_by, archived_at, archived_by, execution_count, last_executed_at`

// Create inserts a new version row
func (r *VersionRepository) Create(ctx context.Context, v *models.ProjectVersion) error {
	query := `
		INSERT INTO project_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		v.ID,
		v.ProjectID,
		v.Version,
		v.ParentVersion,
		v.Status,
		v.DAGDefinition,
		v.DAGChecksum,
		v.IRBinary,
		v.IRChecksum,
		v.IRSignature,
		v.SignatureKeyID,
		v.NodePlacements,
		v.PreloadResources,
		v.CreatedAt,
		v.CreatedBy,
		v.CompiledAt,
		v.ValidatedAt,
		v.ValidatedBy,
		v.ActivatedAt,
		v.ActivatedBy,
		v.ArchivedAt,
		v.ArchivedBy,
		v.ExecutionCount,
		v.LastExecutedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}

	return nil
}

func scanVersion(row pgx.Row) (*models.ProjectVersion, error) {
	v := &models.ProjectVersion{}
	err := row.Scan(
		&v.ID,
		&v.ProjectID,
		&v.Version,
		&v.ParentVersion,
		&v.Status,
		&v.DAGDefinition,
		&v.DAGChecksum,
		&v.IRBinary,
		&v.IRChecksum,
		&v.IRSignature,
		&v.SignatureKeyID,
		&v.NodePlacements,
		&v.PreloadResources,
		&v.CreatedAt,
		&v.CreatedBy,
		&v.CompiledAt,
		&v.ValidatedAt,
		&v.ValidatedBy,
		&v.ActivatedAt,
		&v.ActivatedBy,
		&v.ArchivedAt,
		&v.ArchivedBy,
		&v.ExecutionCount,
		&v.LastExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetByID retrieves a version by its ID
func (r *VersionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProjectVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM project_versions WHERE id = $1`

	v, err := scanVersion(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// GetByNumber retrieves a specific version of a project
func (r *VersionRepository) GetByNumber(ctx context.Context, projectID uuid.UUID, version int) (*models.ProjectVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM project_versions WHERE project_id = $1 AND version = $2`

	v, err := scanVersion(r.db.QueryRow(ctx, query, projectID, version))
	if err != nil {
		return nil, fmt.Errorf("failed to get version %d: %w", version, err)
	}
	return v, nil
}

// GetActive retrieves the currently active version of a project, or nil
func (r *VersionRepository) GetActive(ctx context.Context, projectID uuid.UUID) (*models.ProjectVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM project_versions WHERE project_id = $1 AND status = 'ACTIVE'`

	v, err := scanVersion(r.db.QueryRow(ctx, query, projectID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}
	return v, nil
}

// ListByProject retrieves every version of a project, newest first
func (r *VersionRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM project_versions WHERE project_id = $1 ORDER BY version DESC`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.ProjectVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// ListActive returns every ACTIVE version across all projects, the set an
// execution node considers loading at startup
func (r *VersionRepository) ListActive(ctx context.Context) ([]*models.ProjectVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM project_versions WHERE status = 'ACTIVE' ORDER BY activated_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.ProjectVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// UpdateDraft replaces the DAG of a DRAFT version. Any other status is
// immutable and the update is rejected.
func (r *VersionRepository) UpdateDraft(ctx context.Context, v *models.ProjectVersion) error {
	query := `
		UPDATE project_versions
		SET dag_definition = $2, dag_checksum = $3
		WHERE id = $1 AND status = 'DRAFT'
	`

	tag, err := r.db.Exec(ctx, query, v.ID, v.DAGDefinition, v.DAGChecksum)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s is not a draft", v.ID)
	}

	return nil
}

// MarkValid stores the compiled artifact and flips DRAFT -> VALID
func (r *VersionRepository) MarkValid(ctx context.Context, v *models.ProjectVersion) error {
	query := `
		UPDATE project_versions
		SET status = 'VALID',
			ir_binary = $2, ir_checksum = $3, ir_signature = $4, signature_key_id = $5,
			compiled_at = $6, validated_at = $7, validated_by = $8
		WHERE id = $1 AND status = 'DRAFT'
	`

	tag, err := r.db.Exec(ctx, query, v.ID,
		v.IRBinary, v.IRChecksum, v.IRSignature, v.SignatureKeyID,
		v.CompiledAt, v.ValidatedAt, v.ValidatedBy)
	if err != nil {
		return fmt.Errorf("failed to mark version valid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s is not a draft", v.ID)
	}

	return nil
}

// Activate atomically makes one version ACTIVE: the previously active
// version of the project (if any) is archived and the project's
// active_version_id advances, all in one transaction. expectedActive is an
// optimistic concurrency check against the project's current
// active_version_id; a mismatch aborts with no changes.
func (r *VersionRepository) Activate(ctx context.Context, projectID, versionID uuid.UUID, expectedActive *uuid.UUID, activatedBy string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the project row and check the optimistic expectation
	var currentActive *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT active_version_id FROM projects WHERE id = $1 FOR UPDATE`,
		projectID,
	).Scan(&currentActive)
	if err != nil {
		return fmt.Errorf("failed to lock project: %w", err)
	}

	if !uuidPtrEqual(currentActive, expectedActive) {
		return fmt.Errorf("concurrent activation detected for project %s", projectID)
	}

	now := time.Now().UTC()

	// Archive whatever is active now
	if currentActive != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE project_versions SET status = 'ARCHIVED', archived_at = $2
			 WHERE id = $1 AND status = 'ACTIVE'`,
			*currentActive, now,
		); err != nil {
			return fmt.Errorf("failed to archive previous version: %w", err)
		}
	}

	// Promote the new version; only VALID, or ARCHIVED with an intact
	// artifact, qualifies
	tag, err := tx.Exec(ctx,
		`UPDATE project_versions SET status = 'ACTIVE', activated_at = $2, activated_by = $3, archived_at = NULL
		 WHERE id = $1 AND project_id = $4
		   AND (status = 'VALID' OR (status = 'ARCHIVED' AND ir_checksum <> '' AND ir_binary IS NOT NULL))`,
		versionID, now, activatedBy, projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s cannot be activated", versionID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE projects SET active_version_id = $2, status = 'ACTIVE', updated_at = now() WHERE id = $1`,
		projectID, versionID,
	); err != nil {
		return fmt.Errorf("failed to advance active version pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}

	return nil
}

// Archive retires a DRAFT or VALID version. The ACTIVE version never
// matches here; it only leaves ACTIVE through Activate's archival of the
// predecessor, which keeps the project's active pointer consistent.
func (r *VersionRepository) Archive(ctx context.Context, projectID, versionID uuid.UUID, archivedBy string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE project_versions SET status = 'ARCHIVED', archived_at = now(), archived_by = $3
		 WHERE id = $1 AND project_id = $2 AND status IN ('DRAFT', 'VALID')`,
		versionID, projectID, archivedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to archive version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s cannot be archived", versionID)
	}

	return nil
}

// RecordExecution bumps the version's execution counters
func (r *VersionRepository) RecordExecution(ctx context.Context, versionID uuid.UUID, at time.Time) error {
	query := `
		UPDATE project_versions
		SET execution_count = execution_count + 1, last_executed_at = $2
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, versionID, at); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	return nil
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
