package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
	"github.com/mbathe/eyeflow-sub003/core/lifecycle"
)

// ProjectHandler handles project-related requests
type ProjectHandler struct {
	c *container.Container
}

// NewProjectHandler creates a new project handler
func NewProjectHandler(c *container.Container) *ProjectHandler {
	return &ProjectHandler{c: c}
}

// CreateProject creates a new project
// POST /api/v1/projects
func (h *ProjectHandler) CreateProject(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		UserID              string   `json:"user_id"`
		Name                string   `json:"name"`
		AllowedConnectorIDs []string `json:"allowed_connector_ids"`
		AllowedFunctionIDs  []string `json:"allowed_function_ids"`
		AllowedTriggerTypes []string `json:"allowed_trigger_types"`
		AllowedNodeIDs      []string `json:"allowed_node_ids"`
		MinTrustLevel       string   `json:"min_trust_level"`
		ConfidenceThreshold float64  `json:"confidence_threshold"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if req.UserID == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "user_id and name are required",
		})
	}

	project, err := h.c.Lifecycle.CreateProject(ctx, req.UserID, req.Name, lifecycle.ProjectOptions{
		AllowedConnectorIDs: req.AllowedConnectorIDs,
		AllowedFunctionIDs:  req.AllowedFunctionIDs,
		AllowedTriggerTypes: req.AllowedTriggerTypes,
		AllowedNodeIDs:      req.AllowedNodeIDs,
		MinTrustLevel:       req.MinTrustLevel,
		ConfidenceThreshold: req.ConfidenceThreshold,
	})
	if err != nil {
		h.c.Components.Logger.Error("failed to create project", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to create project",
		})
	}

	return c.JSON(http.StatusCreated, project)
}

// GetProject retrieves a project by id
// GET /api/v1/projects/:id
func (h *ProjectHandler) GetProject(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}

	project, err := h.c.ProjectRepo.GetByID(ctx, id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "project not found",
		})
	}
	return c.JSON(http.StatusOK, project)
}

// ListProjects lists projects of one user
// GET /api/v1/projects?user_id=...
func (h *ProjectHandler) ListProjects(c echo.Context) error {
	ctx := c.Request().Context()

	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "user_id query parameter is required",
		})
	}

	projects, err := h.c.ProjectRepo.ListByUser(ctx, userID)
	if err != nil {
		h.c.Components.Logger.Error("failed to list projects", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list projects",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	})
}
