package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mbathe/eyeflow-sub003/common/bootstrap"
	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/common/repository"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/cdc"
	"github.com/mbathe/eyeflow-sub003/core/manifest"
	"github.com/mbathe/eyeflow-sub003/core/orchestrator"
	"github.com/mbathe/eyeflow-sub003/core/preload"
	"github.com/mbathe/eyeflow-sub003/core/svm"
	"github.com/mbathe/eyeflow-sub003/core/trigger"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	components, err := bootstrap.Setup(ctx, "svm-node",
		bootstrap.WithDBInitHook(func(database *db.DB, log *logger.Logger) error {
			return repository.InitSchema(ctx, database, log)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap svm-node: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	projectRepo := repository.NewProjectRepository(components.DB)
	versionRepo := repository.NewVersionRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	memoryRepo := repository.NewMemoryStateRepository(components.DB)

	registry, err := manifest.LoadFile(cfg.Manifest.Path)
	if err != nil {
		log.Error("failed to load service manifest", "error", err)
		os.Exit(1)
	}

	preloader := preload.New(ctx, components.NodeKey, log)
	defer preloader.Close(ctx)

	dispatcher := svm.NewDispatcher(preloader, components.Vault, log)
	bus := trigger.NewBus(cfg.Triggers.QueueSize, log)

	orch := orchestrator.New(
		orchestrator.Config{
			NodeID:       cfg.Node.NodeID,
			VerifyKey:    verifyKey(cfg.Node.SigningPublicKeyPEM, log),
			ScratchBytes: cfg.Node.ScratchBytes,
			SerialGroups: cfg.Node.SerialGroups,
		},
		orchestrator.Deps{
			Registry:   registry,
			Preloader:  preloader,
			Dispatcher: dispatcher,
			CancelBus:  components.CancelBus,
			Buffer:     components.Buffer,
			TriggerBus: bus,
			Chain:      components.Chain,
			Logger:     log,
			Projects:   projectRepo,
			Versions:   versionRepo,
			Executions: executionRepo,
			Memory:     memoryRepo,
		},
	)

	// Offline buffer redelivery paths
	components.Buffer.RegisterHandler(models.BufferedExecutionResult, orch.FlushExecutionResult)
	components.Buffer.RegisterHandler(models.BufferedTriggerFire,
		func(ctx context.Context, bev *models.BufferedEvent) error {
			var m models.Mission
			if err := json.Unmarshal(bev.Payload, &m); err != nil {
				log.Error("dropping unparseable buffered mission", "buffered_id", bev.ID, "error", err)
				return nil
			}
			return orch.HandleMission(ctx, &m)
		})

	go components.Buffer.Run(ctx)
	go components.CancelBus.Run(ctx)

	// Trigger bindings: local drivers plus CDC rules
	bindings, err := trigger.LoadBindings(cfg.Triggers.BindingsPath)
	if err != nil {
		log.Error("failed to load trigger bindings", "error", err)
		os.Exit(1)
	}
	webhooks, err := bindings.BuildDrivers(bus, cfg.Triggers.MQTTBrokerURL, log)
	if err != nil {
		log.Error("failed to build trigger drivers", "error", err)
		os.Exit(1)
	}

	if len(bindings.CDCRules) > 0 {
		// Missions that cannot run immediately survive in the offline
		// buffer and are replayed in order
		sink := func(ctx context.Context, m *models.Mission) error {
			if err := orch.HandleMission(ctx, m); err != nil {
				log.Warn("mission deferred to offline buffer", "mission", m.ID, "error", err)
				payload, merr := json.Marshal(m)
				if merr != nil {
					return merr
				}
				_, berr := components.Buffer.Enqueue(models.BufferedTriggerFire, m.WorkflowID, payload)
				return berr
			}
			return nil
		}
		processor, err := cdc.NewProcessor(components.Redis, bindings.CDCRules, sink, log)
		if err != nil {
			log.Error("failed to build cdc processor", "error", err)
			os.Exit(1)
		}
		if err := processor.Subscribe(ctx, components.Queue, cfg.Kafka.CDCTopic); err != nil {
			log.Error("failed to subscribe to cdc topic", "error", err)
			os.Exit(1)
		}
	}

	// Load every ACTIVE version this node is allowed to run
	loadActiveVersions(ctx, orch, versionRepo, log)

	if err := bus.Start(ctx); err != nil {
		log.Error("failed to start trigger bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	e := setupEcho()
	registerRoutes(e, orch, components, bindings, webhooks)

	port := cfg.Service.Port
	log.Info("starting svm-node", "node_id", cfg.Node.NodeID, "port", port)
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "svm-node",
		})
	})
	return e
}

func registerRoutes(
	e *echo.Echo,
	orch *orchestrator.Orchestrator,
	components *bootstrap.Components,
	bindings *trigger.Bindings,
	webhooks []*trigger.WebhookDriver,
) {
	for _, wh := range webhooks {
		e.POST(bindings.Route(wh.ID()), wh.Handler())
	}

	// Direct (API-triggered) execution of a loaded version
	e.POST("/api/v1/versions/:id/execute", func(c echo.Context) error {
		ctx := c.Request().Context()

		versionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid version id",
			})
		}

		var req struct {
			Input json.RawMessage `json:"input"`
		}
		_ = c.Bind(&req)

		var input interface{}
		if len(req.Input) > 0 {
			if err := json.Unmarshal(req.Input, &input); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]interface{}{
					"error": "input is not valid JSON",
				})
			}
		}

		record, err := orch.ExecuteByVersionID(ctx, versionID, orchestrator.ExecuteRequest{
			TriggerType: "api",
			Input:       input,
		})
		if err != nil {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, record)
	})

	// Version (un)loading for rollout orchestration
	e.POST("/api/v1/versions/:id/load", func(c echo.Context) error {
		ctx := c.Request().Context()
		versionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid version id",
			})
		}
		if err := orch.LoadVersion(ctx, versionID); err != nil {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "loaded",
			"version_id": versionID,
		})
	})
	e.POST("/api/v1/versions/:id/unload", func(c echo.Context) error {
		ctx := c.Request().Context()
		versionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid version id",
			})
		}
		orch.UnloadVersion(ctx, versionID)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "unloaded",
			"version_id": versionID,
		})
	})

	e.POST("/api/v1/emergency-stop", func(c echo.Context) error {
		ctx := c.Request().Context()
		var req struct {
			RequestedBy string `json:"requested_by"`
			Target      string `json:"target"`
		}
		_ = c.Bind(&req)
		if err := components.CancelBus.EmergencyStop(ctx, req.RequestedBy, req.Target); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": "failed to publish emergency stop",
			})
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"status": "emergency_stop_requested",
		})
	})
}

// loadActiveVersions loads what this node may run. Failures are logged
// per version so one broken artifact cannot block the node.
func loadActiveVersions(ctx context.Context, orch *orchestrator.Orchestrator, versions *repository.VersionRepository, log *logger.Logger) {
	active, err := versions.ListActive(ctx)
	if err != nil {
		log.Error("failed to list active versions", "error", err)
		return
	}
	loaded := 0
	for _, v := range active {
		if err := orch.LoadVersion(ctx, v.ID); err != nil {
			log.Warn("skipping active version", "version_id", v.ID, "error", err)
			continue
		}
		loaded++
	}
	log.Info("active versions loaded", "loaded", loaded, "total", len(active))
}

// verifyKey parses the platform verification key; without it artifacts run
// unverified and executions are marked accordingly
func verifyKey(pemData string, log *logger.Logger) ed25519.PublicKey {
	if pemData == "" {
		log.Warn("no verification key configured, artifact signatures will not be checked")
		return nil
	}
	key, err := audit.ParsePublicKeyPEM(pemData)
	if err != nil {
		log.Error("failed to parse verification key, signatures will not be checked", "error", err)
		return nil
	}
	return key
}
