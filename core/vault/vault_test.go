package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/cache"
	"github.com/mbathe/eyeflow-sub003/common/config"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/core/ir"
)

func testService(t *testing.T) *Service {
	t.Helper()
	log := logger.New("error", "json")
	s, err := New(config.VaultConfig{}, cache.NewMemoryCache(log), log)
	require.NoError(t, err)
	return s
}

func TestResolve_EnvFallbackChain(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	// VAULT_SECRET_ prefixed variable wins
	t.Setenv("VAULT_SECRET_DB_POSTGRES_PASSWORD", "prefixed")
	t.Setenv("DB_POSTGRES_PASSWORD", "bare")

	v, err := s.Resolve(ctx, "db/postgres/password")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", v)
}

func TestResolve_BareEnvVariable(t *testing.T) {
	s := testService(t)
	t.Setenv("API_TOKEN", "tok-123")

	v, err := s.Resolve(context.Background(), "api/token")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", v)
}

func TestResolve_NotFoundNeverLeaksValues(t *testing.T) {
	s := testService(t)

	_, err := s.Resolve(context.Background(), "absent/secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent/secret")
}

func TestResolve_EmptyPath(t *testing.T) {
	s := testService(t)
	_, err := s.Resolve(context.Background(), "")
	require.Error(t, err)
}

func TestResolve_CachesValue(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	t.Setenv("CACHED_KEY", "first")
	v, err := s.Resolve(ctx, "cached/key")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	// A changed backend value is not observed until the cache entry expires
	// or is invalidated
	t.Setenv("CACHED_KEY", "second")
	v, err = s.Resolve(ctx, "cached/key")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, s.Invalidate(ctx, "cached/key"))
	v, err = s.Resolve(ctx, "cached/key")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestResolveSlots_FillsSlotMap(t *testing.T) {
	s := testService(t)
	t.Setenv("DB_PASSWORD", "hunter2")
	t.Setenv("API_TOKEN", "tok-9")

	secrets, err := s.ResolveSlots(context.Background(), []ir.VaultSlot{
		{SlotID: "db", VaultPath: "db/password"},
		{SlotID: "api", VaultPath: "api/token"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"db": "hunter2", "api": "tok-9"}, secrets)
}

func TestResolveSlots_NoSlots(t *testing.T) {
	s := testService(t)

	secrets, err := s.ResolveSlots(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, secrets)
}

func TestResolveSlots_AllOrNothing(t *testing.T) {
	s := testService(t)
	t.Setenv("DB_PASSWORD", "hunter2")

	secrets, err := s.ResolveSlots(context.Background(), []ir.VaultSlot{
		{SlotID: "db", VaultPath: "db/password"},
		{SlotID: "api", VaultPath: "never/set"},
	})
	require.Error(t, err)
	assert.Nil(t, secrets)
	assert.Contains(t, err.Error(), `slot "api"`)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestClearCache_EvictsResolvedSecrets(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	t.Setenv("SESSION_KEY", "first")
	v, err := s.Resolve(ctx, "session/key")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	// After the post-execution clear a fresh read hits the backend again
	t.Setenv("SESSION_KEY", "second")
	s.ClearCache(ctx)

	v, err = s.Resolve(ctx, "session/key")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestInjectTemplates(t *testing.T) {
	s := testService(t)
	t.Setenv("DB_USER", "svc")
	t.Setenv("DB_PASS", "hunter2")

	out, err := s.InjectTemplates(context.Background(),
		"postgres://{{secret:db/user}}:{{secret:db/pass}}@db:5432/app")
	require.NoError(t, err)
	assert.Equal(t, "postgres://svc:hunter2@db:5432/app", out)
}

func TestInjectTemplates_UnresolvedReferenceFails(t *testing.T) {
	s := testService(t)

	_, err := s.InjectTemplates(context.Background(), "key={{secret:never/set}}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never/set")
	assert.NotContains(t, err.Error(), "key=")
}

func TestInjectTemplates_NoReferencesPassThrough(t *testing.T) {
	s := testService(t)

	out, err := s.InjectTemplates(context.Background(), "plain config, no secrets")
	require.NoError(t, err)
	assert.Equal(t, "plain config, no secrets", out)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DB_POSTGRES_PASSWORD", envName("db/postgres/password"))
	assert.Equal(t, "API_KEY_V2", envName("api-key.v2"))
}
