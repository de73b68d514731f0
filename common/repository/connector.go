package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// ConnectorRepository handles database operations for connectors
type ConnectorRepository struct {
	db *db.DB
}

// NewConnectorRepository creates a new connector repository
func NewConnectorRepository(database *db.DB) *ConnectorRepository {
	return &ConnectorRepository{db: database}
}

// Create inserts a new connector
func (r *ConnectorRepository) Create(ctx context.Context, c *models.Connector) error {
	functions, err := json.Marshal(c.Functions)
	if err != nil {
		return fmt.Errorf("marshal connector functions: %w", err)
	}

	query := `
		INSERT INTO connectors (id, user_id, name, type, functions, event_schema, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.Exec(ctx, query,
		c.ID, c.UserID, c.Name, c.Type, functions, c.EventSchema, c.Enabled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}

	return nil
}

// GetByID retrieves a connector by its ID
func (r *ConnectorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connector, error) {
	query := `
		SELECT id, user_id, name, type, functions, event_schema, enabled, created_at, updated_at
		FROM connectors
		WHERE id = $1
	`

	c := &models.Connector{}
	var functions []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.UserID,
		&c.Name,
		&c.Type,
		&functions,
		&c.EventSchema,
		&c.Enabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}

	if len(functions) > 0 {
		if err := json.Unmarshal(functions, &c.Functions); err != nil {
			return nil, fmt.Errorf("failed to decode connector functions: %w", err)
		}
	}

	return c, nil
}

// ListByUser retrieves all enabled connectors owned by a user
func (r *ConnectorRepository) ListByUser(ctx context.Context, userID string) ([]*models.Connector, error) {
	query := `
		SELECT id, user_id, name, type, functions, event_schema, enabled, created_at, updated_at
		FROM connectors
		WHERE user_id = $1 AND enabled = TRUE
		ORDER BY name
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []*models.Connector
	for rows.Next() {
		c := &models.Connector{}
		var functions []byte
		err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.Name,
			&c.Type,
			&functions,
			&c.EventSchema,
			&c.Enabled,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		if len(functions) > 0 {
			if err := json.Unmarshal(functions, &c.Functions); err != nil {
				return nil, fmt.Errorf("failed to decode connector functions: %w", err)
			}
		}
		connectors = append(connectors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connectors: %w", err)
	}

	return connectors, nil
}

// SetEnabled flips a connector's enabled flag
func (r *ConnectorRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `UPDATE connectors SET enabled = $2, updated_at = now() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update connector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connector %s not found", id)
	}

	return nil
}
