// Package bootstrap initializes service components in dependency order
// and tears them down in reverse. Both binaries go through Setup; options
// trim the component set to what each service actually needs.
package bootstrap

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mbathe/eyeflow-sub003/common/cache"
	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/queue"
	commonredis "github.com/mbathe/eyeflow-sub003/common/redis"
	"github.com/mbathe/eyeflow-sub003/common/repository"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/buffer"
	"github.com/mbathe/eyeflow-sub003/core/cancel"
	"github.com/mbathe/eyeflow-sub003/core/export"
	"github.com/mbathe/eyeflow-sub003/core/vault"
)

// Setup initializes all service components.
// This is the main entry point for both services.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	log := components.Logger

	log.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	fail := func(err error) (*Components, error) {
		components.Shutdown(ctx)
		return nil, err
	}

	// 3. Database
	if !options.skipDB {
		log.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, log)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to database: %w", err))
		}
		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			log.Info("running database init hook")
			if err := options.dbInitHook(components.DB, log); err != nil {
				return fail(fmt.Errorf("database init hook failed: %w", err))
			}
		}
	}

	// 4. Redis
	if !options.skipRedis {
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			// Redis outage must not keep a node from starting; the
			// cancellation bus and CDC dedup degrade instead
			log.Warn("redis unreachable, continuing degraded", "addr", cfg.Redis.Addr, "error", err)
		}
		components.Redis = commonredis.NewClient(rc, log)
		components.addCleanup(func() error {
			return rc.Close()
		})
	}

	// 5. Queue: Kafka in production, in-memory everywhere else
	if !options.skipQueue {
		if cfg.Kafka.Enabled {
			log.Info("initializing kafka queue", "brokers", cfg.Kafka.Brokers)
			components.Queue = queue.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log)
		} else {
			log.Info("initializing memory queue")
			components.Queue = queue.NewMemoryQueue(log)
		}
		components.addCleanup(func() error {
			return components.Queue.Close()
		})
	}

	// 6. Cache (secret TTL cache and general lookaside)
	components.Cache = cache.NewMemoryCache(log)
	components.addCleanup(func() error {
		return components.Cache.Close()
	})

	// 7. Secret resolver
	if !options.skipVault {
		components.Vault, err = vault.New(cfg.Vault, components.Cache, log)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize vault resolver: %w", err))
		}
	}

	// 8. Offline buffer
	if !options.skipBuffer {
		components.Buffer, err = buffer.New(cfg.Buffer, log)
		if err != nil {
			return fail(fmt.Errorf("failed to open offline buffer: %w", err))
		}
	}

	// 9. Audit chain and exporter. The key comes first: the exporter tags
	// every published event with the chain id derived from it.
	if !options.skipAudit {
		if components.Queue == nil || components.Buffer == nil {
			return fail(fmt.Errorf("audit chain requires queue and buffer components"))
		}

		key, err := signingKey(cfg, log)
		if err != nil {
			return fail(err)
		}
		components.NodeKey = key

		chainID := hex.EncodeToString(key.Public().(ed25519.PublicKey))
		components.Exporter = export.New(components.Queue, cfg.Kafka.AuditTopic, chainID, components.Buffer, log)
		components.Chain = audit.NewChain(cfg.Node.NodeID, key, log, components.Exporter.Sink())

		// Re-anchor the chain head onto the last persisted event
		if components.DB != nil {
			events := repository.NewAuditEventRepository(components.DB)
			seq, head, err := events.LastSequence(ctx, cfg.Node.NodeID)
			if err != nil {
				return fail(fmt.Errorf("failed to resume audit chain: %w", err))
			}
			components.Chain.Resume(seq, head)
			log.Info("audit chain resumed", "node_id", cfg.Node.NodeID, "seq", seq)
		}
	}

	// 10. Cancellation bus
	components.CancelBus = cancel.New(components.Redis, cfg.Node.CancellationDisabled, log)

	log.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"vault", components.Vault != nil,
		"buffer", components.Buffer != nil,
		"chain", components.Chain != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error.
// Useful for services that can't recover from initialization failure.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}

// signingKey loads the node's Ed25519 key from configuration, or generates
// an ephemeral one for development. An ephemeral key means chains do not
// verify across restarts, so production nodes must configure one.
func signingKey(cfg *config.Config, log *logger.Logger) (ed25519.PrivateKey, error) {
	if pemData := cfg.Node.SigningPrivateKeyPEM; pemData != "" {
		key, err := audit.ParsePrivateKeyPEM(pemData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		return key, nil
	}

	log.Warn("no signing key configured, generating ephemeral key")
	return audit.GenerateKey()
}
