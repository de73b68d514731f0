// Package container holds the control plane's singleton services and
// repositories, wired once at startup.
package container

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mbathe/eyeflow-sub003/common/bootstrap"
	"github.com/mbathe/eyeflow-sub003/common/ratelimit"
	"github.com/mbathe/eyeflow-sub003/common/repository"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/lifecycle"
	"github.com/mbathe/eyeflow-sub003/core/manifest"
	"github.com/mbathe/eyeflow-sub003/core/rulec"
)

// Container holds all initialized services and repositories
type Container struct {
	Components *bootstrap.Components

	// Repositories
	ProjectRepo    *repository.ProjectRepository
	VersionRepo    *repository.VersionRepository
	ExecutionRepo  *repository.ExecutionRepository
	ConnectorRepo  *repository.ConnectorRepository
	AuditEventRepo *repository.AuditEventRepository

	// Services
	Registry  *manifest.Registry
	Compiler  *rulec.Compiler
	Lifecycle *lifecycle.Service
	Parser    *rulec.ParseClient
	Limiter   *ratelimit.RateLimiter // nil without Redis
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	registry, err := manifest.LoadFile(cfg.Manifest.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load service manifest: %w", err)
	}

	// The platform signing key seals compiled artifacts; nodes verify
	// against its public half before loading
	key, err := platformSigningKey(components)
	if err != nil {
		return nil, err
	}

	projectRepo := repository.NewProjectRepository(components.DB)
	versionRepo := repository.NewVersionRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	connectorRepo := repository.NewConnectorRepository(components.DB)
	auditEventRepo := repository.NewAuditEventRepository(components.DB)

	compiler := rulec.NewCompiler(registry, key, log)
	lifecycleService := lifecycle.New(projectRepo, versionRepo, connectorRepo, executionRepo, compiler, log)
	parser := rulec.NewParseClient(cfg.LLM, log)

	var limiter *ratelimit.RateLimiter
	if components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	return &Container{
		Components:     components,
		ProjectRepo:    projectRepo,
		VersionRepo:    versionRepo,
		ExecutionRepo:  executionRepo,
		ConnectorRepo:  connectorRepo,
		AuditEventRepo: auditEventRepo,
		Registry:       registry,
		Compiler:       compiler,
		Lifecycle:      lifecycleService,
		Parser:         parser,
		Limiter:        limiter,
	}, nil
}

func platformSigningKey(components *bootstrap.Components) (ed25519.PrivateKey, error) {
	cfg := components.Config
	if cfg.Node.SigningPrivateKeyPEM != "" {
		key, err := audit.ParsePrivateKeyPEM(cfg.Node.SigningPrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		return key, nil
	}
	components.Logger.Warn("no signing key configured, compiled artifacts use an ephemeral key")
	key, err := audit.GenerateKey()
	if err != nil {
		return nil, err
	}
	return key, nil
}
