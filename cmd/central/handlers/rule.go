package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
	"github.com/mbathe/eyeflow-sub003/common/ratelimit"
	"github.com/mbathe/eyeflow-sub003/core/rulec"
)

// RuleHandler turns natural language rule descriptions into draft versions
type RuleHandler struct {
	c *container.Container
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(c *container.Container) *RuleHandler {
	return &RuleHandler{c: c}
}

// CompileRule parses a natural language rule, checks the project's
// confidence threshold and opens a draft version holding the proposed DAG
// POST /api/v1/projects/:id/rules
func (h *RuleHandler) CompileRule(c echo.Context) error {
	ctx := c.Request().Context()
	log := h.c.Components.Logger

	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid project id",
		})
	}

	var req struct {
		Text      string `json:"text"`
		CreatedBy string `json:"created_by"`
	}
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "text is required",
		})
	}

	project, err := h.c.ProjectRepo.GetByID(ctx, projectID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "project not found",
		})
	}

	// Narrow the parser to what the project may actually use
	connectorNames := make([]string, 0, len(project.AllowedConnectorIDs))
	for _, idStr := range project.AllowedConnectorIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		if conn, err := h.c.ConnectorRepo.GetByID(ctx, id); err == nil {
			connectorNames = append(connectorNames, conn.Name)
		}
	}

	result, err := h.c.Parser.Parse(ctx, rulec.ParseRequest{
		Text:           req.Text,
		ConnectorNames: connectorNames,
	}, project.ConfidenceThreshold)
	if err != nil {
		var low *rulec.ErrLowConfidence
		if errors.As(err, &low) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"error":      "parse confidence below project threshold",
				"confidence": low.Confidence,
				"threshold":  low.Threshold,
			})
		}
		log.Error("parse service failed", "project_id", projectID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error": "parse service unavailable",
		})
	}

	// Expensive workflows compile under a tighter per-project window
	if h.c.Limiter != nil {
		calls := 0
		for _, n := range result.Definition.Nodes {
			if n.Type == rulec.NodeService || n.Type == rulec.NodeAction {
				calls++
			}
		}
		tier := ratelimit.ClassifyByServiceCalls(calls)
		if lr, err := h.c.Limiter.CheckProjectLimit(ctx, projectID.String(), tier); err == nil && !lr.Allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":               "project_rate_limit_exceeded",
				"tier":                tier,
				"retry_after_seconds": lr.RetryAfterSeconds,
			})
		}
	}

	dag, err := json.Marshal(result.Definition)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to encode parsed definition",
		})
	}

	version, err := h.c.Lifecycle.CreateVersion(ctx, projectID, dag, req.CreatedBy)
	if err != nil {
		log.Error("failed to create version from rule", "project_id", projectID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to create version",
		})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"version":     version,
		"confidence":  result.Confidence,
		"explanation": result.Explanation,
	})
}
