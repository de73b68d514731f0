// Package routes binds the control plane's HTTP surface to its handlers.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
	"github.com/mbathe/eyeflow-sub003/cmd/central/handlers"
)

// RegisterProjectRoutes registers project and version lifecycle routes
func RegisterProjectRoutes(e *echo.Echo, c *container.Container) {
	ph := handlers.NewProjectHandler(c)
	vh := handlers.NewVersionHandler(c)
	rh := handlers.NewRuleHandler(c)

	projects := e.Group("/api/v1/projects")
	{
		projects.POST("", ph.CreateProject)
		projects.GET("", ph.ListProjects)
		projects.GET("/:id", ph.GetProject)

		projects.POST("/:id/versions", vh.CreateVersion)
		projects.GET("/:id/versions", vh.ListVersions)
		projects.POST("/:id/versions/:version/patch", vh.CreatePatchVersion)
		projects.POST("/:id/versions/:version_id/activate", vh.Activate)
		projects.POST("/:id/versions/:version_id/archive", vh.Archive)

		projects.POST("/:id/rules", rh.CompileRule)
	}

	versions := e.Group("/api/v1/versions")
	{
		versions.GET("/:id", vh.GetVersion)
		versions.PUT("/:id", vh.UpdateDraft)
		versions.POST("/:id/validate", vh.Validate)
	}
}

// RegisterConnectorRoutes registers connector CRUD routes
func RegisterConnectorRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewConnectorHandler(c)

	connectors := e.Group("/api/v1/connectors")
	{
		connectors.POST("", h.CreateConnector)
		connectors.GET("", h.ListConnectors)
		connectors.GET("/:id", h.GetConnector)
		connectors.POST("/:id/enabled", h.SetEnabled)
	}
}

// RegisterExecutionRoutes registers execution query and cancellation routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	eh := handlers.NewExecutionHandler(c)
	ah := handlers.NewAuditHandler(c)

	executions := e.Group("/api/v1/executions")
	{
		executions.GET("/:id", eh.GetExecution)
		executions.POST("/:id/cancel", eh.CancelExecution)
		executions.GET("/:id/audit", ah.ListExecutionEvents)
	}

	e.GET("/api/v1/versions/:id/executions", eh.ListExecutions)
	e.POST("/api/v1/emergency-stop", eh.EmergencyStop)
}

// RegisterAuditRoutes registers audit chain verification routes
func RegisterAuditRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAuditHandler(c)

	e.GET("/api/v1/audit/:node_id/verify", h.VerifyChain)
}
