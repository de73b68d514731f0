package bootstrap

import (
	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/db"
	"github.com/mbathe/eyeflow-sub003/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB     bool
	skipRedis  bool
	skipQueue  bool
	skipVault  bool
	skipBuffer bool
	skipAudit  bool

	customLogger *logger.Logger
	customConfig *config.Config
	dbInitHook   func(*db.DB, *logger.Logger) error
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutRedis skips Redis initialization (the cancellation bus then runs
// in degraded local-only mode)
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutVault skips the secret resolver
func WithoutVault() Option {
	return func(o *options) {
		o.skipVault = true
	}
}

// WithoutBuffer skips the offline buffer
func WithoutBuffer() Option {
	return func(o *options) {
		o.skipBuffer = true
	}
}

// WithoutAuditChain skips the signing chain and its exporter. Services
// that only verify chains (the central API) use this.
func WithoutAuditChain() Option {
	return func(o *options) {
		o.skipAudit = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithDBInitHook runs a custom function after DB initialization.
// Useful for running migrations, seeding data, etc.
func WithDBInitHook(hook func(*db.DB, *logger.Logger) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
