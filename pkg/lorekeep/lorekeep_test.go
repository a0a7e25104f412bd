package lorekeep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/memory/memorytest"
	"github.com/orneryd/lorekeep/pkg/optimize"
	"github.com/orneryd/lorekeep/pkg/resolve"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	layer, err := Open(nil, memorytest.SampleTiers(), nil)
	require.NoError(t, err)
	return layer
}

func TestOpenValidatesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.ShortTerm.TTL = 0
	_, err := Open(cfg, memorytest.SampleTiers(), nil)
	assert.Error(t, err)
}

func TestAccessThroughFullStack(t *testing.T) {
	layer := newTestLayer(t)
	ctx := context.Background()

	t.Run("character info consolidates both providers", func(t *testing.T) {
		res, err := layer.Access(ctx, memory.Query{
			Type:   memory.QueryCharacterInfo,
			Target: "Eldra",
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, optimize.StrategyConsistencyFirst, res.Strategy)

		ch, ok := res.Data.(*resolve.ConsolidatedCharacter)
		require.True(t, ok)
		assert.ElementsMatch(t, []string{"long_term", "world_knowledge"}, ch.Sources)
		assert.NotEmpty(t, ch.ConflictsResolved, "the sample tiers disagree about Eldra")
	})

	t.Run("world settings served cache-first", func(t *testing.T) {
		res, err := layer.Access(ctx, memory.Query{Type: memory.QueryWorldSettings})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, optimize.StrategyCacheFirst, res.Strategy)

		again, err := layer.Access(ctx, memory.Query{Type: memory.QueryWorldSettings})
		require.NoError(t, err)
		assert.True(t, again.Metadata.CacheHit, "second read must hit the coordinated cache")
	})

	t.Run("search ranks short-term chapters first", func(t *testing.T) {
		res, err := layer.Access(ctx, memory.Query{
			Type:   memory.QuerySearch,
			Target: "Varenhold bells",
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		hits := res.Data.([]resolve.SearchHit)
		assert.NotEmpty(t, hits)
	})
}

func TestUnifiedAccessBypassesOptimizer(t *testing.T) {
	layer := newTestLayer(t)
	res, err := layer.UnifiedAccess(context.Background(), memory.Query{Type: memory.QueryKeyEvents})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, memory.SourceMidTerm, res.Source)
}

func TestCoordinateAndInvalidate(t *testing.T) {
	layer := newTestLayer(t)
	ctx := context.Background()

	require.NoError(t, layer.Coordinate(ctx, "worldSettings", "payload", memory.LongTerm))
	v, ok := layer.CachedData("worldSettings", memory.LongTerm)
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	removed := layer.Invalidate("worldSettings", memory.LongTerm, "test")
	assert.Equal(t, 1, removed)
	_, ok = layer.CachedData("worldSettings", memory.LongTerm)
	assert.False(t, ok)
}

func TestPredictiveCacheWarmsUpcomingChapter(t *testing.T) {
	layer := newTestLayer(t)

	res, err := layer.PredictiveCache(context.Background(), 12, nil)
	require.NoError(t, err)
	assert.Greater(t, res.Fetched, 0)

	_, ok := layer.CachedData("chapter_12", memory.ShortTerm)
	assert.True(t, ok)
	_, ok = layer.CachedData("worldSettings", memory.LongTerm)
	assert.True(t, ok)
	_, ok = layer.CachedData("foreshadowing_unresolved", memory.MidTerm)
	assert.True(t, ok)
}

func TestDiagnoseAndReport(t *testing.T) {
	layer := newTestLayer(t)
	ctx := context.Background()

	// Drive a little traffic so the counters are live.
	_, err := layer.Access(ctx, memory.Query{Type: memory.QueryWorldSettings})
	require.NoError(t, err)

	diag, err := layer.Diagnose(ctx)
	require.NoError(t, err)
	assert.Greater(t, diag.Overall, 0.5)
	assert.NotEmpty(t, diag.Components)

	report, err := layer.QualityReport(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, report.PeriodDays)
	assert.GreaterOrEqual(t, report.Snapshots, 1)
}

func TestStatsAggregatesComponents(t *testing.T) {
	layer := newTestLayer(t)
	_, err := layer.Access(context.Background(), memory.Query{
		Type: memory.QueryCharacterInfo, Target: "Corvan",
	})
	require.NoError(t, err)

	stats := layer.Stats()
	assert.GreaterOrEqual(t, stats.Resolver.Consolidations, uint64(1))
	assert.Equal(t, 1, stats.Optimizer.Patterns)
}

func TestUpdateConfiguration(t *testing.T) {
	layer := newTestLayer(t)

	cfg := *config.DefaultConfig()
	cfg.Resolver.SearchLimit = 3
	require.NoError(t, layer.UpdateConfiguration(cfg))

	bad := *config.DefaultConfig()
	bad.Quality.CheckInterval = 0
	assert.Error(t, layer.UpdateConfiguration(bad))
}

func TestStartStopLifecycle(t *testing.T) {
	layer := newTestLayer(t)
	layer.Start()
	layer.Start() // idempotent
	layer.Close()
}
