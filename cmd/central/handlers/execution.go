package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
	"github.com/mbathe/eyeflow-sub003/core/cancel"
)

// ExecutionHandler serves execution record queries and cancellation
type ExecutionHandler struct {
	c *container.Container
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

// GetExecution retrieves one execution record
// GET /api/v1/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid execution id",
		})
	}

	record, err := h.c.ExecutionRepo.GetByID(ctx, id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "execution not found",
		})
	}
	return c.JSON(http.StatusOK, record)
}

// ListExecutions lists a version's executions, newest first
// GET /api/v1/versions/:id/executions?limit=50
func (h *ExecutionHandler) ListExecutions(c echo.Context) error {
	ctx := c.Request().Context()

	versionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid version id",
		})
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid limit",
			})
		}
		limit = v
	}

	records, err := h.c.ExecutionRepo.ListByVersion(ctx, versionID, limit)
	if err != nil {
		h.c.Components.Logger.Error("failed to list executions", "version_id", versionID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list executions",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": records,
		"count":      len(records),
	})
}

// CancelExecution broadcasts a cancellation for a running execution
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) CancelExecution(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid execution id",
		})
	}

	var req struct {
		RequestedBy string `json:"requested_by"`
	}
	_ = c.Bind(&req)

	if err := h.c.Components.CancelBus.Cancel(ctx, id, req.RequestedBy, cancel.ReasonUserCancel); err != nil {
		h.c.Components.Logger.Error("failed to publish cancellation", "execution_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to publish cancellation",
		})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": id,
		"status":       "cancellation_requested",
	})
}

// EmergencyStop broadcasts a platform-wide stop; an optional target
// narrows it to executions whose watch key contains the substring
// POST /api/v1/emergency-stop
func (h *ExecutionHandler) EmergencyStop(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		RequestedBy string `json:"requested_by"`
		Target      string `json:"target"`
	}
	_ = c.Bind(&req)

	if err := h.c.Components.CancelBus.EmergencyStop(ctx, req.RequestedBy, req.Target); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to publish emergency stop",
		})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status": "emergency_stop_requested",
	})
}
