package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.Cache.ShortTerm.TTL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.MidTerm.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Cache.LongTerm.TTL)
	assert.Equal(t, 1<<20, cfg.Cache.ShortTerm.MaxBytes)
	assert.Equal(t, 30*time.Minute, cfg.Resolver.WorldSettingsTTL)
	assert.Equal(t, 15*time.Minute, cfg.Resolver.CharacterTTL)
	assert.True(t, cfg.Optimizer.PredictiveEnabled)
	assert.Equal(t, 0.8, cfg.Quality.IntegrityThreshold)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lorekeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  short_term:
    ttl: 1m
  sweep_interval: 2m
resolver:
  search_limit: 25
`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, time.Minute, cfg.Cache.ShortTerm.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, 25, cfg.Resolver.SearchLimit)

	t.Run("unset fields keep defaults", func(t *testing.T) {
		assert.Equal(t, 30*time.Minute, cfg.Cache.MidTerm.TTL)
		assert.Equal(t, 256, cfg.Resolver.ResultCacheSize)
	})
}

func TestLoadFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFile("/nonexistent/lorekeep.yaml"))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cache: [not a map"), 0o644))
	assert.Error(t, cfg.LoadFile(bad))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LOREKEEP_CACHE_SHORT_TTL", "90s")
	t.Setenv("LOREKEEP_OPTIMIZER_PREDICTIVE", "false")
	t.Setenv("LOREKEEP_QUALITY_INTEGRITY_THRESHOLD", "0.9")
	t.Setenv("LOREKEEP_RESOLVER_SEARCH_LIMIT", "garbage")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, 90*time.Second, cfg.Cache.ShortTerm.TTL)
	assert.False(t, cfg.Optimizer.PredictiveEnabled)
	assert.Equal(t, 0.9, cfg.Quality.IntegrityThreshold)
	assert.Equal(t, 10, cfg.Resolver.SearchLimit, "unparseable values keep the current value")
}

func TestValidate(t *testing.T) {
	t.Run("zero cache TTL rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache.MidTerm.TTL = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive capacity rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache.LongTerm.MaxBytes = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold out of range rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Quality.StabilityThreshold = 1.5
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.Optimizer.ConsistencyThreshold = -0.1
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive windows rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Optimizer.PatternWindow = 0
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.Quality.RetentionPeriod = 0
		assert.Error(t, cfg.Validate())
	})
}
