// Package vault resolves secret references at dispatch time. Secret values
// never enter the IR, the audit chain or the logs; instructions carry only
// vault paths, and resolution happens immediately before a service call.
package vault

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/mbathe/eyeflow-sub003/common/cache"
	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/core/ir"
)

// DefaultTTL bounds how long a resolved secret may be reused
const DefaultTTL = 30 * time.Second

// secretRef matches {{secret:path/to/secret}} template references
var secretRef = regexp.MustCompile(`\{\{secret:([^}]+)\}\}`)

// Resolver resolves secret references for the dispatcher. ClearCache must
// be called after every execution so secrets never outlive the run that
// fetched them.
type Resolver interface {
	Resolve(ctx context.Context, path string) (string, error)
	ResolveSlots(ctx context.Context, slots []ir.VaultSlot) (map[string]string, error)
	ClearCache(ctx context.Context)
}

// Service resolves secrets through a chain of providers:
//  1. HashiCorp Vault KV, when an address is configured
//  2. the VAULT_SECRET_<PATH> environment variable
//  3. the bare <PATH> environment variable
//
// Resolved values are cached for DefaultTTL so bursts of instructions
// referencing the same slot hit the backend once.
type Service struct {
	client *vaultapi.Client
	cache  cache.Cache
	log    *logger.Logger
	ttl    time.Duration

	mu       sync.Mutex
	resolved map[string]struct{} // cache keys written since the last ClearCache
}

// New creates a resolver. A missing Vault address is not an error: the
// environment fallback chain still works, which is how local development
// and degraded (network-partitioned) nodes run.
func New(cfg config.VaultConfig, c cache.Cache, log *logger.Logger) (*Service, error) {
	s := &Service{
		cache:    c,
		log:      log,
		ttl:      DefaultTTL,
		resolved: make(map[string]struct{}),
	}

	if cfg.Addr != "" {
		apiCfg := vaultapi.DefaultConfig()
		apiCfg.Address = cfg.Addr

		client, err := vaultapi.NewClient(apiCfg)
		if err != nil {
			return nil, fmt.Errorf("create vault client: %w", err)
		}
		client.SetToken(cfg.Token)
		if cfg.Namespace != "" {
			client.SetNamespace(cfg.Namespace)
		}
		s.client = client
		log.Info("vault resolver connected", "addr", cfg.Addr)
	} else {
		log.Info("vault resolver running on environment fallback only")
	}

	return s, nil
}

// Resolve returns the secret value for a path. The error message never
// contains a secret value, only the path.
func (s *Service) Resolve(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty vault path")
	}

	cacheKey := "vault:" + path
	if cached, ok, _ := s.cache.Get(ctx, cacheKey); ok {
		return string(cached), nil
	}

	value, err := s.resolveUncached(ctx, path)
	if err != nil {
		return "", err
	}

	if err := s.cache.Set(ctx, cacheKey, []byte(value), s.ttl); err != nil {
		s.log.Warn("failed to cache resolved secret", "path", path, "error", err)
	}
	s.mu.Lock()
	s.resolved[cacheKey] = struct{}{}
	s.mu.Unlock()
	return value, nil
}

// ResolveSlots fills a slot_id -> secret map for an instruction's vault
// slots, resolving each slot's path through the provider chain. Any single
// failure fails the whole resolution; a call must never run with a
// partially filled slot map.
func (s *Service) ResolveSlots(ctx context.Context, slots []ir.VaultSlot) (map[string]string, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(slots))
	for _, slot := range slots {
		value, err := s.Resolve(ctx, slot.VaultPath)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", slot.SlotID, err)
		}
		out[slot.SlotID] = value
	}
	return out, nil
}

// ClearCache evicts every secret cached since the last clear. Runs after
// each execution so secrets have at most one execution's lifetime.
func (s *Service) ClearCache(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.resolved))
	for k := range s.resolved {
		keys = append(keys, k)
	}
	s.resolved = make(map[string]struct{})
	s.mu.Unlock()

	for _, k := range keys {
		if err := s.cache.Delete(ctx, k); err != nil {
			s.log.Warn("failed to evict cached secret", "key", k, "error", err)
		}
	}
}

func (s *Service) resolveUncached(ctx context.Context, path string) (string, error) {
	if s.client != nil {
		value, err := s.readFromVault(ctx, path)
		if err == nil {
			return value, nil
		}
		s.log.Debug("vault lookup failed, falling back to environment",
			"path", path, "error", err)
	}

	envKey := "VAULT_SECRET_" + envName(path)
	if value, ok := os.LookupEnv(envKey); ok {
		return value, nil
	}
	if value, ok := os.LookupEnv(envName(path)); ok {
		return value, nil
	}

	return "", fmt.Errorf("secret %q not found in any provider", path)
}

// readFromVault reads a KV secret. The last path segment after '#' selects
// a field; otherwise the field "value" is used.
func (s *Service) readFromVault(ctx context.Context, path string) (string, error) {
	field := "value"
	if i := strings.LastIndex(path, "#"); i >= 0 {
		field = path[i+1:]
		path = path[:i]
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not present", path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	raw, ok := data[field]
	if !ok {
		return "", fmt.Errorf("secret %q has no field %q", path, field)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("secret %q field %q is not a string", path, field)
	}
	return value, nil
}

// InjectTemplates replaces every {{secret:path}} reference in the input
// with its resolved value. Used for connection strings and headers right
// before dispatch; callers must not persist or log the result.
func (s *Service) InjectTemplates(ctx context.Context, input string) (string, error) {
	var firstErr error
	out := secretRef.ReplaceAllStringFunc(input, func(match string) string {
		path := secretRef.FindStringSubmatch(match)[1]
		value, err := s.Resolve(ctx, path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Invalidate drops a cached secret, forcing a fresh read on next use
func (s *Service) Invalidate(ctx context.Context, path string) error {
	return s.cache.Delete(ctx, "vault:"+path)
}

// envName converts a vault path to an environment variable name:
// "db/postgres/password" -> "DB_POSTGRES_PASSWORD"
func envName(path string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, path)
	return mapped
}
