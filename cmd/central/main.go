package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mbathe/eyeflow-sub003/cmd/central/container"
	"github.com/mbathe/eyeflow-sub003/cmd/central/routes"
	"github.com/mbathe/eyeflow-sub003/common/bootstrap"
	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	commonmw "github.com/mbathe/eyeflow-sub003/common/middleware"
	"github.com/mbathe/eyeflow-sub003/common/repository"
	"github.com/mbathe/eyeflow-sub003/core/audit"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, redis, queue)
	components, err := bootstrap.Setup(ctx, "central",
		bootstrap.WithoutVault(),
		bootstrap.WithoutBuffer(),
		bootstrap.WithoutAuditChain(),
		bootstrap.WithDBInitHook(func(database *db.DB, log *logger.Logger) error {
			return repository.InitSchema(ctx, database, log)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap central: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// The cancellation bus relays user cancellations to execution nodes
	go components.CancelBus.Run(ctx)

	// Audit events exported by nodes land here and anchor the tamper
	// evidence trail
	if err := consumeAuditEvents(ctx, serviceContainer); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to subscribe to audit topic: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	if c.Limiter != nil {
		e.Use(commonmw.GlobalRateLimit(c.Limiter, 1000))
		e.Use(commonmw.UserRateLimit(c.Limiter, 100, 60))
	}
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "central",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterProjectRoutes(e, serviceContainer)
	routes.RegisterConnectorRoutes(e, serviceContainer)
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterAuditRoutes(e, serviceContainer)
}

// consumeAuditEvents persists exported audit events. Insertion is
// idempotent on (node_id, sequence_num), so offline buffer redelivery
// cannot duplicate rows.
func consumeAuditEvents(ctx context.Context, c *container.Container) error {
	log := c.Components.Logger
	topic := c.Components.Config.Kafka.AuditTopic

	return c.Components.Queue.Subscribe(ctx, topic,
		func(ctx context.Context, key string, value []byte, headers map[string]string) error {
			var ev audit.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				// Unparseable messages are logged and dropped, never retried
				log.Error("dropping malformed audit event", "key", key, "error", err)
				return nil
			}
			if err := c.AuditEventRepo.Insert(ctx, &ev); err != nil {
				log.Error("failed to persist audit event",
					"event_id", ev.EventID, "node_id", ev.NodeID, "error", err)
				return err
			}
			return nil
		})
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting central", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
