package bootstrap

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/mbathe/eyeflow-sub003/common/cache"
	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/queue"
	commonredis "github.com/mbathe/eyeflow-sub003/common/redis"
	"github.com/mbathe/eyeflow-sub003/core/audit"
	"github.com/mbathe/eyeflow-sub003/core/buffer"
	"github.com/mbathe/eyeflow-sub003/core/cancel"
	"github.com/mbathe/eyeflow-sub003/core/export"
	"github.com/mbathe/eyeflow-sub003/core/vault"
)

// Components holds all initialized service dependencies
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *commonredis.Client
	Queue     queue.Queue
	Cache     cache.Cache
	Vault     *vault.Service
	Buffer    *buffer.Buffer
	Exporter  *export.Exporter
	Chain     *audit.Chain
	NodeKey   ed25519.PrivateKey
	CancelBus *cancel.Bus

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components.
// Should be called with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error

	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
