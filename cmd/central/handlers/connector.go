package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

// ConnectorHandler handles connector CRUD
type ConnectorHandler struct {
	c *container.Container
}

// NewConnectorHandler creates a new connector handler
func NewConnectorHandler(c *container.Container) *ConnectorHandler {
	return &ConnectorHandler{c: c}
}

// CreateConnector registers a user integration endpoint
// POST /api/v1/connectors
func (h *ConnectorHandler) CreateConnector(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		UserID      string                     `json:"user_id"`
		Name        string                     `json:"name"`
		Type        string                     `json:"type"`
		Functions   []models.ConnectorFunction `json:"functions"`
		EventSchema json.RawMessage            `json:"event_schema"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if req.UserID == "" || req.Name == "" || req.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "user_id, name and type are required",
		})
	}

	now := time.Now().UTC()
	conn := &models.Connector{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Name:        req.Name,
		Type:        req.Type,
		Functions:   req.Functions,
		EventSchema: req.EventSchema,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.c.ConnectorRepo.Create(ctx, conn); err != nil {
		h.c.Components.Logger.Error("failed to create connector", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to create connector",
		})
	}
	return c.JSON(http.StatusCreated, conn)
}

// GetConnector retrieves a connector by id
// GET /api/v1/connectors/:id
func (h *ConnectorHandler) GetConnector(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid connector id",
		})
	}

	conn, err := h.c.ConnectorRepo.GetByID(ctx, id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "connector not found",
		})
	}
	return c.JSON(http.StatusOK, conn)
}

// ListConnectors lists a user's enabled connectors
// GET /api/v1/connectors?user_id=...
func (h *ConnectorHandler) ListConnectors(c echo.Context) error {
	ctx := c.Request().Context()

	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "user_id query parameter is required",
		})
	}

	connectors, err := h.c.ConnectorRepo.ListByUser(ctx, userID)
	if err != nil {
		h.c.Components.Logger.Error("failed to list connectors", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list connectors",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connectors": connectors,
		"count":      len(connectors),
	})
}

// SetEnabled enables or disables a connector
// POST /api/v1/connectors/:id/enabled
func (h *ConnectorHandler) SetEnabled(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid connector id",
		})
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	if err := h.c.ConnectorRepo.SetEnabled(ctx, id, req.Enabled); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to update connector",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":      id,
		"enabled": req.Enabled,
	})
}
