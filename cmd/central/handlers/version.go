package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
)

// VersionHandler handles version lifecycle requests
type VersionHandler struct {
	c *container.Container
}

// NewVersionHandler creates a new version handler
func NewVersionHandler(c *container.Container) *VersionHandler {
	return &VersionHandler{c: c}
}

// CreateVersion opens a new draft version holding a DAG definition
// POST /api/v1/projects/:id/versions
func (h *VersionHandler) CreateVersion(c echo.Context) error {
	ctx := c.Request().Context()

	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}

	var req struct {
		DAG       json.RawMessage `json:"dag"`
		CreatedBy string          `json:"created_by"`
	}
	if err := c.Bind(&req); err != nil || len(req.DAG) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "dag is required",
		})
	}

	version, err := h.c.Lifecycle.CreateVersion(ctx, projectID, req.DAG, req.CreatedBy)
	if err != nil {
		h.c.Components.Logger.Error("failed to create version", "project_id", projectID, "error", err)
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusCreated, version)
}

// CreatePatchVersion derives a new draft by applying an RFC 6902 patch to
// a parent version
// POST /api/v1/projects/:id/versions/:version/patch
func (h *VersionHandler) CreatePatchVersion(c echo.Context) error {
	ctx := c.Request().Context()

	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}
	parent, err := parseIntParam(c, "version")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version number",
		})
	}

	var req struct {
		Patch     json.RawMessage `json:"patch"`
		CreatedBy string          `json:"created_by"`
	}
	if err := c.Bind(&req); err != nil || len(req.Patch) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "patch is required",
		})
	}

	version, err := h.c.Lifecycle.CreateVersionFromPatch(ctx, projectID, parent, req.Patch, req.CreatedBy)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusCreated, version)
}

// UpdateDraft replaces a draft's DAG definition
// PUT /api/v1/versions/:id
func (h *VersionHandler) UpdateDraft(c echo.Context) error {
	ctx := c.Request().Context()

	versionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version id",
		})
	}

	var req struct {
		DAG json.RawMessage `json:"dag"`
	}
	if err := c.Bind(&req); err != nil || len(req.DAG) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "dag is required",
		})
	}

	version, err := h.c.Lifecycle.UpdateDraft(ctx, versionID, req.DAG)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, version)
}

// Validate compiles a draft; success stores the signed artifact and flips
// the version to VALID
// POST /api/v1/versions/:id/validate
func (h *VersionHandler) Validate(c echo.Context) error {
	ctx := c.Request().Context()

	versionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version id",
		})
	}

	var req struct {
		ValidatedBy string `json:"validated_by"`
	}
	_ = c.Bind(&req)

	result, err := h.c.Lifecycle.Validate(ctx, versionID, req.ValidatedBy)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	}
	if !result.Valid {
		// Diagnostics are the payload, not an error: the draft stays
		// editable and the caller corrects it
		return c.JSON(http.StatusUnprocessableEntity, result)
	}
	return c.JSON(http.StatusOK, result)
}

// Activate promotes a version to ACTIVE, archiving the current one
// POST /api/v1/projects/:id/versions/:version_id/activate
func (h *VersionHandler) Activate(c echo.Context) error {
	ctx := c.Request().Context()

	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}
	versionID, err := uuid.Parse(c.Param("version_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version id",
		})
	}

	var req struct {
		ActivatedBy string `json:"activated_by"`
	}
	_ = c.Bind(&req)

	if err := h.c.Lifecycle.Activate(ctx, projectID, versionID, req.ActivatedBy); err != nil {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "activated",
		"version_id": versionID,
	})
}

// Archive retires a version
// POST /api/v1/projects/:id/versions/:version_id/archive
func (h *VersionHandler) Archive(c echo.Context) error {
	ctx := c.Request().Context()

	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}
	versionID, err := uuid.Parse(c.Param("version_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version id",
		})
	}

	var req struct {
		ArchivedBy string `json:"archived_by"`
	}
	_ = c.Bind(&req)

	if err := h.c.Lifecycle.Archive(ctx, projectID, versionID, req.ArchivedBy); err != nil {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "archived",
		"version_id": versionID,
	})
}

// ListVersions lists all versions of a project
// GET /api/v1/projects/:id/versions
func (h *VersionHandler) ListVersions(c echo.Context) error {
	ctx := c.Request().Context()

	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}

	versions, err := h.c.VersionRepo.ListByProject(ctx, projectID)
	if err != nil {
		h.c.Components.Logger.Error("failed to list versions", "project_id", projectID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list versions",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

// GetVersion retrieves one version
// GET /api/v1/versions/:id
func (h *VersionHandler) GetVersion(c echo.Context) error {
	ctx := c.Request().Context()

	versionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version id",
		})
	}

	version, err := h.c.VersionRepo.GetByID(ctx, versionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "version not found",
		})
	}
	return c.JSON(http.StatusOK, version)
}
