package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectorFunction describes one callable function exposed by a connector
type ConnectorFunction struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Connector is a user-defined integration endpoint (multi-tenant, scoped by user)
type Connector struct {
	ID     uuid.UUID `db:"id" json:"id"`
	UserID string    `db:"user_id" json:"user_id"`

	Name string `db:"name" json:"name"`
	Type string `db:"type" json:"type"` // e.g. "postgres", "slack", "http"

	// Typed functions offered by this connector; looked up by id or name
	// during rule compilation
	Functions []ConnectorFunction `db:"functions" json:"functions"`

	// Declared schema of events this connector emits as a trigger source
	EventSchema json.RawMessage `db:"event_schema" json:"event_schema,omitempty"`

	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FindFunction looks up a function by id first, then by name.
// Returns nil when the connector has no matching function.
func (c *Connector) FindFunction(idOrName string) *ConnectorFunction {
	for i := range c.Functions {
		if c.Functions[i].ID == idOrName {
			return &c.Functions[i]
		}
	}
	for i := range c.Functions {
		if c.Functions[i].Name == idOrName {
			return &c.Functions[i]
		}
	}
	return nil
}

// FunctionNames returns the names of all functions, used for suggestions
// in compilation diagnostics
func (c *Connector) FunctionNames() []string {
	names := make([]string, 0, len(c.Functions))
	for _, f := range c.Functions {
		names = append(names, f.Name)
	}
	return names
}
