package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
)

func newDisabledCache(t *testing.T) *Cache {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(config.RedisConfig{}, config.CacheConfig{
		AgentConfigTTL:    3600,
		AgentListTTL:      1800,
		ChannelMetaTTL:    600,
		WorkflowStatusTTL: 60,
		MessageCountTTL:   300,
	}, log)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "crewhub:agent_config:abc", Key(NamespaceAgentConfig, "abc"))
	assert.Equal(t, "crewhub:channel_meta:*", Key(NamespaceChannelMeta, "*"))
}

func TestTTLPerNamespace(t *testing.T) {
	c := newDisabledCache(t)

	assert.Equal(t, float64(3600), c.TTL(NamespaceAgentConfig).Seconds())
	assert.Equal(t, float64(1800), c.TTL(NamespaceAgentList).Seconds())
	assert.Equal(t, float64(600), c.TTL(NamespaceChannelMeta).Seconds())
	assert.Equal(t, float64(60), c.TTL(NamespaceWorkflowStatus).Seconds())
	assert.Equal(t, float64(300), c.TTL(NamespaceMessageCount).Seconds())

	// Unknown namespace falls back to a short TTL rather than no TTL
	assert.Equal(t, float64(60), c.TTL(Namespace("bogus")).Seconds())
}

func TestDisabledCacheBehavesAsMiss(t *testing.T) {
	c := newDisabledCache(t)
	ctx := context.Background()

	assert.False(t, c.Enabled())

	var out string
	assert.False(t, c.Get(ctx, NamespaceAgentConfig, "k", &out))

	// Writes are no-ops, not errors
	c.Set(ctx, NamespaceAgentConfig, "k", "value")
	c.Delete(ctx, NamespaceAgentConfig, "k")
	c.DeletePattern(ctx, NamespaceAgentConfig, "*")

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Sets)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestMGetDisabledCountsEveryKeyAsMiss(t *testing.T) {
	c := newDisabledCache(t)
	ctx := context.Background()

	var a, b string
	found := c.MGet(ctx, NamespaceAgentConfig, []string{"k1", "k2"}, []any{&a, &b})
	assert.Equal(t, []bool{false, false}, found)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestMGetMismatchedDestsServesNothing(t *testing.T) {
	c := newDisabledCache(t)

	var a string
	found := c.MGet(context.Background(), NamespaceAgentConfig, []string{"k1", "k2"}, []any{&a})
	assert.Equal(t, []bool{false, false}, found)
}

func TestMSetDisabledIsNoOp(t *testing.T) {
	c := newDisabledCache(t)

	c.MSet(context.Background(), NamespaceChannelMeta, map[string]any{
		"k1": "v1",
		"k2": 2,
	})

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Sets)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestGetOrLoadFallsThroughWhenDisabled(t *testing.T) {
	c := newDisabledCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (string, error) {
		calls++
		return "loaded", nil
	}

	v, err := GetOrLoad(ctx, c, NamespaceChannelMeta, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)

	// Disabled cache never serves, so the loader runs every time
	v, err = GetOrLoad(ctx, c, NamespaceChannelMeta, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.Equal(t, 2, calls)
}

func TestGetOrLoadPropagatesLoaderError(t *testing.T) {
	c := newDisabledCache(t)
	ctx := context.Background()

	wantErr := errors.New("source of truth unavailable")
	_, err := GetOrLoad(ctx, c, NamespaceAgentList, "k", func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestStatsHitRate(t *testing.T) {
	c := newDisabledCache(t)
	ctx := context.Background()

	var out int
	for i := 0; i < 4; i++ {
		c.Get(ctx, NamespaceMessageCount, "k", &out)
	}
	c.hits.Add(6)

	stats := c.Stats()
	assert.Equal(t, int64(6), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)
	assert.InDelta(t, 0.6, stats.HitRate, 1e-9)
}
