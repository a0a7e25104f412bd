// Package lorekeep is the embedding facade over the memory-integration
// layer. It wires the four components together: the cache coordinator,
// the duplicate resolver, the access optimizer and the quality monitor,
// and exposes one API surface for a novel-generation pipeline to read
// story memory through.
//
// Example Usage:
//
//	layer, err := lorekeep.Open(nil, tiers, nil)
//	if err != nil {
//		return err
//	}
//	layer.Start()
//	defer layer.Close()
//
//	res, err := layer.Access(ctx, memory.Query{
//		Type:   memory.QueryCharacterInfo,
//		Target: "Eldra",
//	})
//	if err != nil {
//		return err
//	}
//	fmt.Println(res.Strategy, res.Source)
//
// The layer is read-only over the external tiers: it caches, reconciles
// and routes, it never writes story data back.
package lorekeep

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/orneryd/lorekeep/pkg/cache"
	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/optimize"
	"github.com/orneryd/lorekeep/pkg/quality"
	"github.com/orneryd/lorekeep/pkg/resolve"
)

// Layer is the assembled memory-integration layer. Safe for concurrent
// use once Open returns.
type Layer struct {
	logger *log.Logger
	tiers  memory.Tiers

	cfgMu sync.RWMutex
	cfg   config.Config

	cache     *cache.Coordinator
	resolver  *resolve.Resolver
	optimizer *optimize.Optimizer
	quality   *quality.Monitor

	started atomic.Bool
}

// Open assembles the layer over the given tiers. A nil cfg uses defaults;
// a nil logger gets a stderr logger. Background loops do not run until
// Start.
func Open(cfg *config.Config, tiers memory.Tiers, logger *log.Logger) (*Layer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "lorekeep"})
	}

	coord := cache.New(cfg.Cache, logger.WithPrefix("cache"))
	resolver := resolve.New(cfg.Resolver, tiers, logger.WithPrefix("resolve"))
	registerTierProviders(resolver, tiers)

	optimizer := optimize.New(cfg.Optimizer, coord, resolver, logger.WithPrefix("optimize"))

	monitor := quality.New(cfg.Quality, quality.Dependencies{
		Cache:     coord,
		Resolver:  resolver,
		Optimizer: optimizer,
		Tiers:     tiers,
	}, logger.WithPrefix("quality"))

	coord.SetPrefetchSource(&prefetchSource{resolver: resolver, tiers: tiers})

	return &Layer{
		logger:    logger,
		tiers:     tiers,
		cfg:       *cfg,
		cache:     coord,
		resolver:  resolver,
		optimizer: optimizer,
		quality:   monitor,
	}, nil
}

// registerTierProviders wires the long-term tier and the world-knowledge
// store as resolver providers. Long term is the primary source for both
// world settings and characters.
func registerTierProviders(r *resolve.Resolver, tiers memory.Tiers) {
	if tiers.LongTerm != nil {
		long := tiers.LongTerm
		r.RegisterWorldProvider(resolve.WorldSettingsProvider{
			Name:    "long_term",
			Primary: true,
			Fetch:   long.WorldSettings,
		})
		r.RegisterCharacterProvider(resolve.CharacterProvider{
			Name:    "long_term",
			Primary: true,
			Fetch:   long.CharacterByName,
		})
	}
	if tiers.WorldKnowledge != nil {
		wk := tiers.WorldKnowledge
		r.RegisterWorldProvider(resolve.WorldSettingsProvider{
			Name:  "world_knowledge",
			Fetch: wk.WorldSettings,
		})
		r.RegisterCharacterProvider(resolve.CharacterProvider{
			Name:  "world_knowledge",
			Fetch: wk.CharacterByName,
		})
	}
}

// Start launches the background loops: the cache sweep and the quality
// checks. Idempotent.
func (l *Layer) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.cache.Start()
	l.quality.Start()
	l.logger.Info("memory integration layer started")
}

// Close stops the background loops and waits for them.
func (l *Layer) Close() {
	l.cache.Stop()
	l.quality.Stop()
	l.started.Store(false)
	l.logger.Info("memory integration layer stopped")
}

// Access serves one query through the optimizer's strategy selection.
// This is the main read path.
func (l *Layer) Access(ctx context.Context, q memory.Query) (optimize.AccessResult, error) {
	l.quality.RecordOperation()
	res, err := l.optimizer.OptimizedAccess(ctx, q)
	if err != nil {
		l.quality.RecordError("accessOptimizer", false)
	}
	return res, err
}

// UnifiedAccess serves one query through the resolver directly, bypassing
// strategy selection and pattern learning.
func (l *Layer) UnifiedAccess(ctx context.Context, q memory.Query) (memory.Result, error) {
	l.quality.RecordOperation()
	res, err := l.resolver.UnifiedAccess(ctx, q)
	if err != nil {
		l.quality.RecordError("duplicateResolver", false)
	}
	return res, err
}

// Coordinate caches data at the given level, propagating downward and
// invalidating dependents upward.
func (l *Layer) Coordinate(ctx context.Context, key string, data any, level memory.Level) error {
	err := l.cache.Coordinate(ctx, key, data, level)
	if err != nil {
		l.quality.RecordError("cacheCoordinator", false)
	}
	return err
}

// CachedData reads one cached entry without touching the tiers.
func (l *Layer) CachedData(key string, level memory.Level) (any, bool) {
	return l.cache.Get(key, level)
}

// Invalidate removes a key and its same-level dependents, then drains the
// cross-level invalidation queue. Returns how many entries were removed.
func (l *Layer) Invalidate(key string, level memory.Level, reason string) int {
	return l.cache.Invalidate(key, level, reason)
}

// PredictiveCache warms the caches for the upcoming chapter.
func (l *Layer) PredictiveCache(ctx context.Context, nextChapter int, pc *cache.PrefetchConfig) (cache.PrefetchResult, error) {
	return l.cache.PredictiveCache(ctx, nextChapter, pc)
}

// ConsolidateWorldSettings reconciles world settings across providers.
func (l *Layer) ConsolidateWorldSettings(ctx context.Context) (*resolve.ConsolidatedWorldSettings, error) {
	return l.resolver.ConsolidateWorldSettings(ctx)
}

// ConsolidateCharacter reconciles one character across providers.
func (l *Layer) ConsolidateCharacter(ctx context.Context, name string) (*resolve.ConsolidatedCharacter, error) {
	return l.resolver.ConsolidateCharacter(ctx, name)
}

// OptimizeAccessPatterns prunes the learned pattern table and warms the
// hottest shapes.
func (l *Layer) OptimizeAccessPatterns(ctx context.Context) optimize.MaintenanceResult {
	return l.optimizer.OptimizeAccessPatterns(ctx)
}

// Diagnose runs a full quality diagnostic.
func (l *Layer) Diagnose(ctx context.Context) (*quality.Diagnostic, error) {
	return l.quality.PerformComprehensiveDiagnostic(ctx)
}

// QualityReport summarizes retained quality history for the trailing
// period.
func (l *Layer) QualityReport(ctx context.Context, periodDays int) (*quality.Report, error) {
	return l.quality.GenerateQualityReport(ctx, periodDays)
}

// Statistics aggregates the per-component snapshots.
type Statistics struct {
	Cache     cache.Stats     `json:"cache"`
	Resolver  resolve.Stats   `json:"resolver"`
	Optimizer optimize.Stats  `json:"optimizer"`
	Quality   quality.Metrics `json:"quality"`
}

// Stats snapshots every component.
func (l *Layer) Stats() Statistics {
	return Statistics{
		Cache:     l.cache.Statistics(),
		Resolver:  l.resolver.Statistics(),
		Optimizer: l.optimizer.Statistics(),
		Quality:   l.quality.CurrentMetrics(),
	}
}

// UpdateConfiguration validates and pushes new settings to every
// component. Loop intervals apply from the next Start.
func (l *Layer) UpdateConfiguration(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()

	l.cache.UpdateConfig(cfg.Cache)
	l.resolver.UpdateConfig(cfg.Resolver)
	l.optimizer.UpdateConfig(cfg.Optimizer)
	l.quality.UpdateConfig(cfg.Quality)
	l.logger.Info("configuration updated")
	return nil
}
