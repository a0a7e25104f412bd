// Package config handles Lorekeep configuration.
//
// Configuration is a plain struct of per-component sections. Defaults come
// from DefaultConfig(), a YAML file can be layered on top with LoadFile(),
// and LOREKEEP_-prefixed environment variables override both via
// ApplyEnv(). Components receive their section at construction; tunable
// thresholds and TTLs can later be swapped at runtime through the facade's
// UpdateConfiguration.
//
// Example Usage:
//
//	cfg := config.DefaultConfig()
//	if path != "" {
//		if err := cfg.LoadFile(path); err != nil {
//			log.Fatal(err)
//		}
//	}
//	cfg.ApplyEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//   - LOREKEEP_CACHE_SHORT_TTL=5m
//   - LOREKEEP_CACHE_MID_TTL=30m
//   - LOREKEEP_CACHE_LONG_TTL=2h
//   - LOREKEEP_CACHE_SWEEP_INTERVAL=10m
//   - LOREKEEP_OPTIMIZER_PREDICTIVE=true
//   - LOREKEEP_QUALITY_CHECK_INTERVAL=5m
//
// For the complete list see the section struct documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Lorekeep configuration, one section per component.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Quality   QualityConfig   `yaml:"quality"`
}

// LevelConfig sets the TTL and byte capacity of one cache level.
type LevelConfig struct {
	// TTL is how long an entry stays valid after its last write.
	TTL time.Duration `yaml:"ttl"`
	// MaxBytes bounds the level's total entry size; exceeding it evicts
	// strict-LRU until the new entry fits.
	MaxBytes int `yaml:"max_bytes"`
}

// CacheConfig configures the cache coordinator.
type CacheConfig struct {
	ShortTerm LevelConfig `yaml:"short_term"`
	MidTerm   LevelConfig `yaml:"mid_term"`
	LongTerm  LevelConfig `yaml:"long_term"`

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PrefetchAhead is how many upcoming chapters predictive caching
	// warms by default.
	PrefetchAhead int `yaml:"prefetch_ahead"`

	// PrefetchConcurrency bounds concurrent prefetch fetches.
	PrefetchConcurrency int `yaml:"prefetch_concurrency"`
}

// ResolverConfig configures the duplicate resolver.
type ResolverConfig struct {
	// WorldSettingsTTL bounds how long a consolidated world-settings
	// record stays valid.
	WorldSettingsTTL time.Duration `yaml:"world_settings_ttl"`

	// CharacterTTL bounds how long a consolidated character stays valid.
	CharacterTTL time.Duration `yaml:"character_ttl"`

	// ResultCacheTTL is the lifetime of unified-query results in the
	// resolver's own short-lived cache.
	ResultCacheTTL time.Duration `yaml:"result_cache_ttl"`

	// ResultCacheSize caps the unified result cache entry count.
	ResultCacheSize int `yaml:"result_cache_size"`

	// SearchLimit is the default result count for search queries.
	SearchLimit int `yaml:"search_limit"`
}

// OptimizerConfig configures the access optimizer.
type OptimizerConfig struct {
	// ConsistencyThreshold is the system consistency score below which
	// CONSISTENCY_FIRST overrides the base strategy.
	ConsistencyThreshold float64 `yaml:"consistency_threshold"`

	// PerformanceThreshold is the average response time above which
	// PERFORMANCE_FIRST overrides the base strategy.
	PerformanceThreshold time.Duration `yaml:"performance_threshold"`

	// PredictiveEnabled toggles the PREDICTIVE strategy and preloading.
	PredictiveEnabled bool `yaml:"predictive_enabled"`

	// PatternWindow caps the learned access-pattern table; entries with
	// the oldest last access are pruned first.
	PatternWindow int `yaml:"pattern_window"`
}

// QualityConfig configures the quality-assurance monitor.
type QualityConfig struct {
	// Alert thresholds per dimension; a score below its threshold raises
	// a QualityIssue.
	IntegrityThreshold   float64 `yaml:"integrity_threshold"`
	StabilityThreshold   float64 `yaml:"stability_threshold"`
	PerformanceThreshold float64 `yaml:"performance_threshold"`
	EfficiencyThreshold  float64 `yaml:"efficiency_threshold"`

	// CheckInterval is the period of the background quality loop.
	CheckInterval time.Duration `yaml:"check_interval"`

	// RetentionPeriod bounds how long metric snapshots and issues are
	// kept before pruning.
	RetentionPeriod time.Duration `yaml:"retention_period"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
//
// Defaults:
//   - Cache TTLs: 5m short / 30m mid / 2h long; caps 1/4/16 MiB
//   - Sweep every 10 minutes, prefetch 3 chapters ahead, 5 concurrent
//   - Consolidation TTLs: 30m world settings / 15m characters
//   - Unified result cache: 256 entries, 5 minutes
//   - Optimizer: consistency 0.7, performance 500ms, predictive on
//   - Quality: thresholds 0.8/0.7/0.6/0.5, check every 5m, retain 24h
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			ShortTerm:           LevelConfig{TTL: 5 * time.Minute, MaxBytes: 1 << 20},
			MidTerm:             LevelConfig{TTL: 30 * time.Minute, MaxBytes: 4 << 20},
			LongTerm:            LevelConfig{TTL: 2 * time.Hour, MaxBytes: 16 << 20},
			SweepInterval:       10 * time.Minute,
			PrefetchAhead:       3,
			PrefetchConcurrency: 5,
		},
		Resolver: ResolverConfig{
			WorldSettingsTTL: 30 * time.Minute,
			CharacterTTL:     15 * time.Minute,
			ResultCacheTTL:   5 * time.Minute,
			ResultCacheSize:  256,
			SearchLimit:      10,
		},
		Optimizer: OptimizerConfig{
			ConsistencyThreshold: 0.7,
			PerformanceThreshold: 500 * time.Millisecond,
			PredictiveEnabled:    true,
			PatternWindow:        100,
		},
		Quality: QualityConfig{
			IntegrityThreshold:   0.8,
			StabilityThreshold:   0.7,
			PerformanceThreshold: 0.6,
			EfficiencyThreshold:  0.5,
			CheckInterval:        5 * time.Minute,
			RetentionPeriod:      24 * time.Hour,
		},
	}
}

// LoadFile layers a YAML file over the current values. Unset fields keep
// their existing values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from LOREKEEP_-prefixed environment variables.
// Unparseable values are ignored and the current value kept.
func (c *Config) ApplyEnv() {
	c.Cache.ShortTerm.TTL = envDuration("LOREKEEP_CACHE_SHORT_TTL", c.Cache.ShortTerm.TTL)
	c.Cache.MidTerm.TTL = envDuration("LOREKEEP_CACHE_MID_TTL", c.Cache.MidTerm.TTL)
	c.Cache.LongTerm.TTL = envDuration("LOREKEEP_CACHE_LONG_TTL", c.Cache.LongTerm.TTL)
	c.Cache.ShortTerm.MaxBytes = envInt("LOREKEEP_CACHE_SHORT_MAX_BYTES", c.Cache.ShortTerm.MaxBytes)
	c.Cache.MidTerm.MaxBytes = envInt("LOREKEEP_CACHE_MID_MAX_BYTES", c.Cache.MidTerm.MaxBytes)
	c.Cache.LongTerm.MaxBytes = envInt("LOREKEEP_CACHE_LONG_MAX_BYTES", c.Cache.LongTerm.MaxBytes)
	c.Cache.SweepInterval = envDuration("LOREKEEP_CACHE_SWEEP_INTERVAL", c.Cache.SweepInterval)
	c.Cache.PrefetchAhead = envInt("LOREKEEP_CACHE_PREFETCH_AHEAD", c.Cache.PrefetchAhead)
	c.Cache.PrefetchConcurrency = envInt("LOREKEEP_CACHE_PREFETCH_CONCURRENCY", c.Cache.PrefetchConcurrency)

	c.Resolver.WorldSettingsTTL = envDuration("LOREKEEP_RESOLVER_WORLD_TTL", c.Resolver.WorldSettingsTTL)
	c.Resolver.CharacterTTL = envDuration("LOREKEEP_RESOLVER_CHARACTER_TTL", c.Resolver.CharacterTTL)
	c.Resolver.ResultCacheTTL = envDuration("LOREKEEP_RESOLVER_RESULT_TTL", c.Resolver.ResultCacheTTL)
	c.Resolver.ResultCacheSize = envInt("LOREKEEP_RESOLVER_RESULT_SIZE", c.Resolver.ResultCacheSize)
	c.Resolver.SearchLimit = envInt("LOREKEEP_RESOLVER_SEARCH_LIMIT", c.Resolver.SearchLimit)

	c.Optimizer.ConsistencyThreshold = envFloat("LOREKEEP_OPTIMIZER_CONSISTENCY_THRESHOLD", c.Optimizer.ConsistencyThreshold)
	c.Optimizer.PerformanceThreshold = envDuration("LOREKEEP_OPTIMIZER_PERFORMANCE_THRESHOLD", c.Optimizer.PerformanceThreshold)
	c.Optimizer.PredictiveEnabled = envBool("LOREKEEP_OPTIMIZER_PREDICTIVE", c.Optimizer.PredictiveEnabled)
	c.Optimizer.PatternWindow = envInt("LOREKEEP_OPTIMIZER_PATTERN_WINDOW", c.Optimizer.PatternWindow)

	c.Quality.IntegrityThreshold = envFloat("LOREKEEP_QUALITY_INTEGRITY_THRESHOLD", c.Quality.IntegrityThreshold)
	c.Quality.StabilityThreshold = envFloat("LOREKEEP_QUALITY_STABILITY_THRESHOLD", c.Quality.StabilityThreshold)
	c.Quality.PerformanceThreshold = envFloat("LOREKEEP_QUALITY_PERFORMANCE_THRESHOLD", c.Quality.PerformanceThreshold)
	c.Quality.EfficiencyThreshold = envFloat("LOREKEEP_QUALITY_EFFICIENCY_THRESHOLD", c.Quality.EfficiencyThreshold)
	c.Quality.CheckInterval = envDuration("LOREKEEP_QUALITY_CHECK_INTERVAL", c.Quality.CheckInterval)
	c.Quality.RetentionPeriod = envDuration("LOREKEEP_QUALITY_RETENTION_PERIOD", c.Quality.RetentionPeriod)
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	levels := []struct {
		name string
		lc   LevelConfig
	}{
		{"short_term", c.Cache.ShortTerm},
		{"mid_term", c.Cache.MidTerm},
		{"long_term", c.Cache.LongTerm},
	}
	for _, l := range levels {
		if l.lc.TTL <= 0 {
			return fmt.Errorf("cache %s: TTL must be positive, got %v", l.name, l.lc.TTL)
		}
		if l.lc.MaxBytes <= 0 {
			return fmt.Errorf("cache %s: max_bytes must be positive, got %d", l.name, l.lc.MaxBytes)
		}
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep_interval must be positive, got %v", c.Cache.SweepInterval)
	}
	if c.Cache.PrefetchConcurrency <= 0 {
		return fmt.Errorf("cache prefetch_concurrency must be positive, got %d", c.Cache.PrefetchConcurrency)
	}
	if t := c.Optimizer.ConsistencyThreshold; t < 0 || t > 1 {
		return fmt.Errorf("optimizer consistency_threshold must be in [0,1], got %v", t)
	}
	if c.Optimizer.PatternWindow <= 0 {
		return fmt.Errorf("optimizer pattern_window must be positive, got %d", c.Optimizer.PatternWindow)
	}
	thresholds := map[string]float64{
		"integrity":   c.Quality.IntegrityThreshold,
		"stability":   c.Quality.StabilityThreshold,
		"performance": c.Quality.PerformanceThreshold,
		"efficiency":  c.Quality.EfficiencyThreshold,
	}
	for name, t := range thresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("quality %s_threshold must be in [0,1], got %v", name, t)
		}
	}
	if c.Quality.CheckInterval <= 0 {
		return fmt.Errorf("quality check_interval must be positive, got %v", c.Quality.CheckInterval)
	}
	if c.Quality.RetentionPeriod <= 0 {
		return fmt.Errorf("quality retention_period must be positive, got %v", c.Quality.RetentionPeriod)
	}
	return nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
