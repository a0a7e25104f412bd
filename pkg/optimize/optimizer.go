// Package optimize implements the access optimizer: it learns per-shape
// access statistics, picks one of five strategies per request, and applies
// secondary optimizations to the result.
//
// The optimizer sits in front of the cache coordinator and the duplicate
// resolver and only ever reaches them through their public interfaces:
//
//	opt := optimize.New(cfg.Optimizer, coord, resolver, nil)
//
//	res, err := opt.OptimizedAccess(ctx, memory.Query{
//		Type:   memory.QueryCharacterInfo,
//		Target: "alice",
//	})
//	if err != nil {
//		return err
//	}
//	log.Debug("served", "strategy", res.Strategy, "opts", res.AppliedOptimizations)
//
// Strategy selection layers learned overrides on a by-type base: a query
// shape with a hot cache history forces CACHE_FIRST, degraded system
// consistency forces CONSISTENCY_FIRST, slow responses force
// PERFORMANCE_FIRST, high load forces CACHE_FIRST, and a well-known shape
// goes PREDICTIVE. First matching override wins.
//
// Failure contract: any strategy error triggers exactly one unconditional
// fallback through plain unified access, tagged BALANCED/fallback. A
// second failure propagates to the caller.
package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/lorekeep/pkg/cache"
	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/resolve"
)

// historySize bounds the recent-query ring PREDICTIVE learns from.
const historySize = 10

// AccessResult is a memory result annotated with how it was served.
type AccessResult struct {
	memory.Result

	Strategy             Strategy
	AppliedOptimizations []string
}

// Optimizer picks and executes access strategies. Safe for concurrent
// use; the pattern table, history ring and counters share one mutex, and
// no lock is held across a delegate call.
type Optimizer struct {
	logger   *log.Logger
	cache    *cache.Coordinator
	resolver *resolve.Resolver
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   config.OptimizerConfig

	mu          sync.Mutex
	patterns    map[string]*AccessPattern
	accessTimes []time.Time
	history     []memory.Query
	responseEMA time.Duration
	hasResponse bool
	consistency float64
	strategyUse map[Strategy]uint64
	fallbacks   uint64
	violations  uint64
}

// New creates an Optimizer over the coordinator and resolver. A nil
// logger gets a default stderr logger with the "optimize" prefix.
func New(cfg config.OptimizerConfig, coord *cache.Coordinator, resolver *resolve.Resolver, logger *log.Logger) *Optimizer {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "optimize"})
	}
	return &Optimizer{
		logger:      logger,
		cache:       coord,
		resolver:    resolver,
		now:         time.Now,
		cfg:         cfg,
		patterns:    make(map[string]*AccessPattern),
		consistency: 1.0,
		strategyUse: make(map[Strategy]uint64),
	}
}

// UpdateConfig swaps the optimizer thresholds and toggles.
func (o *Optimizer) UpdateConfig(cfg config.OptimizerConfig) {
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
}

// DetermineStrategy evaluates the query shape's learned pattern and the
// current system state and returns the strategy that would serve it. Pure:
// no counters move and nothing is recorded.
func (o *Optimizer) DetermineStrategy(q memory.Query) Strategy {
	o.cfgMu.RLock()
	cfg := o.cfg
	o.cfgMu.RUnlock()

	base := baseStrategy(q.Type)
	key := q.Key()

	o.mu.Lock()
	var pattern *AccessPattern
	if p, ok := o.patterns[key]; ok {
		snapshot := *p
		pattern = &snapshot
	}
	state := o.systemStateLocked()
	o.mu.Unlock()

	// First matching override wins.
	switch {
	case pattern != nil && pattern.CacheHitRate > 0.8:
		return StrategyCacheFirst
	case state.ConsistencyScore < cfg.ConsistencyThreshold:
		return StrategyConsistencyFirst
	case cfg.PerformanceThreshold > 0 && state.AvgResponseTime > cfg.PerformanceThreshold:
		return StrategyPerformanceFirst
	case state.Load > 0.8:
		return StrategyCacheFirst
	case cfg.PredictiveEnabled && pattern != nil && pattern.AccessCount > 5:
		return StrategyPredictive
	default:
		return base
	}
}

// OptimizedAccess serves one query through the selected strategy, applies
// secondary optimizations, and records the observation into the pattern
// table.
func (o *Optimizer) OptimizedAccess(ctx context.Context, q memory.Query) (AccessResult, error) {
	start := o.now()
	strategy := o.DetermineStrategy(q)

	res, applied, err := o.execute(ctx, strategy, q)
	if err != nil {
		o.logger.Warn("strategy failed, falling back to unified access",
			"strategy", strategy, "type", q.Type, "err", err)
		o.mu.Lock()
		o.fallbacks++
		o.mu.Unlock()

		fallback, ferr := o.resolver.UnifiedAccess(ctx, q)
		if ferr != nil {
			return AccessResult{}, fmt.Errorf("optimized access for %q: %w", q.Key(), ferr)
		}
		res = fallback
		strategy = StrategyBalanced
		applied = []string{"fallback"}
	}

	if deduped, changed := deduplicateResult(q.Type, res.Data); changed {
		res.Data = deduped
		applied = append(applied, "deduplicate")
	}

	elapsed := o.now().Sub(start)
	res.Metadata.ProcessingTime = elapsed
	o.record(q, strategy, res, elapsed)

	return AccessResult{Result: res, Strategy: strategy, AppliedOptimizations: applied}, nil
}

// execute runs one strategy. Every branch returns the optimizations it
// actually applied.
func (o *Optimizer) execute(ctx context.Context, s Strategy, q memory.Query) (memory.Result, []string, error) {
	key := q.Key()

	switch s {
	case StrategyCacheFirst:
		for _, level := range memory.Levels() {
			if data, ok := o.cache.Get(key, level); ok {
				return cachedResult(data, o.now()), []string{"cache_scan"}, nil
			}
		}
		res, err := o.resolver.UnifiedAccess(ctx, q)
		if err != nil {
			return memory.Result{}, nil, err
		}
		o.fill(ctx, key, res, memory.ShortTerm)
		return res, []string{"cache_scan", "cache_fill"}, nil

	case StrategyConsistencyFirst:
		fresh := q
		fresh.Options.UseCache = true
		fresh.Options.ForceRefresh = true
		res, err := o.resolver.UnifiedAccess(ctx, fresh)
		if err != nil {
			return memory.Result{}, nil, err
		}
		applied := []string{"consistency_validated"}
		if o.validate(key, res) {
			applied = append(applied, "corrective_invalidation")
		}
		return res, applied, nil

	case StrategyPerformanceFirst:
		o.mu.Lock()
		var fastLevel memory.Level
		var known bool
		if p, ok := o.patterns[key]; ok {
			fastLevel, known = p.Level, true
		}
		o.mu.Unlock()
		if known {
			if data, ok := o.cache.Get(key, fastLevel); ok {
				return cachedResult(data, o.now()), []string{"fast_level"}, nil
			}
		}
		res, err := o.resolver.UnifiedAccess(ctx, q)
		if err != nil {
			return memory.Result{}, nil, err
		}
		return res, []string{"unified"}, nil

	case StrategyPredictive:
		o.preload(ctx, predictedQueries(q))
		var res memory.Result
		if data, ok := o.cache.Get(key, memory.ShortTerm); ok {
			res = cachedResult(data, o.now())
		} else {
			fetched, err := o.resolver.UnifiedAccess(ctx, q)
			if err != nil {
				return memory.Result{}, nil, err
			}
			res = fetched
		}
		if next, ok := o.learnedNext(key); ok {
			o.logger.Debug("preloading learned follow-up", "after", key, "next", next.Key())
			o.preload(ctx, []memory.Query{next})
		}
		return res, []string{"preload"}, nil

	default: // StrategyBalanced
		if data, ok := o.cache.Get(key, memory.MidTerm); ok {
			return cachedResult(data, o.now()), []string{"mid_term_cache"}, nil
		}
		res, err := o.resolver.UnifiedAccess(ctx, q)
		if err != nil {
			return memory.Result{}, nil, err
		}
		o.fill(ctx, key, res, memory.MidTerm)
		return res, []string{"mid_term_writeback"}, nil
	}
}

// fill writes a successful unified result back into the cache. A write
// failure here is an optimization loss, not a request failure.
func (o *Optimizer) fill(ctx context.Context, key string, res memory.Result, level memory.Level) {
	if !res.Success || res.Data == nil {
		return
	}
	if err := o.cache.Coordinate(ctx, key, res.Data, level); err != nil {
		o.logger.Warn("cache fill failed", "key", key, "level", level.String(), "err", err)
	}
}

// preload warms the resolver result cache for predicted queries. Branches
// are isolated: a failing preload is logged, never surfaced.
func (o *Optimizer) preload(ctx context.Context, queries []memory.Query) {
	for _, pq := range queries {
		pq := pq
		go func() {
			if _, err := o.resolver.UnifiedAccess(ctx, pq); err != nil {
				o.logger.Debug("preload failed", "key", pq.Key(), "err", err)
			}
		}()
	}
}

// validate scores the result's well-formedness and, below the configured
// threshold, runs corrective invalidation across all three levels. Never
// a retry. Returns whether correction ran.
func (o *Optimizer) validate(key string, res memory.Result) bool {
	o.cfgMu.RLock()
	threshold := o.cfg.ConsistencyThreshold
	o.cfgMu.RUnlock()

	score := consistencyScore(res)

	o.mu.Lock()
	if score < threshold {
		o.consistency = clamp(o.consistency - 0.02)
		o.violations++
		o.mu.Unlock()
		for _, level := range memory.Levels() {
			o.cache.Invalidate(key, level, "consistency validation failed")
		}
		o.logger.Warn("consistency violation corrected", "key", key, "score", score)
		return true
	}
	o.consistency = clamp(o.consistency + 0.01)
	o.mu.Unlock()
	return false
}

// consistencyScore rates a result's well-formedness in [0,1].
func consistencyScore(res memory.Result) float64 {
	score := 1.0
	if !res.Success {
		score -= 0.4
	}
	if res.Data == nil {
		score -= 0.4
	} else if rv := reflect.ValueOf(res.Data); (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Map) && rv.Len() == 0 {
		score -= 0.2
	}
	if res.Source == "" {
		score -= 0.2
	}
	if res.Metadata.DataFreshness < 0.5 && !res.Metadata.CacheHit {
		score -= 0.2
	}
	return clamp(score)
}

// record creates or updates the query shape's AccessPattern and the
// global EMAs. Creation seeds the averages with the first observation;
// every later update is an EMA step, never a wholesale overwrite.
func (o *Optimizer) record(q memory.Query, s Strategy, res memory.Result, elapsed time.Duration) {
	o.cfgMu.RLock()
	window := o.cfg.PatternWindow
	o.cfgMu.RUnlock()
	if window <= 0 {
		window = 100
	}

	key := q.Key()
	now := o.now()
	hit := 0.0
	if res.Metadata.CacheHit {
		hit = 1.0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.patterns[key]
	if !ok {
		p = &AccessPattern{
			Key:               key,
			Level:             levelForSource(res.Source),
			AccessCount:       1,
			LastAccess:        now,
			AverageAccessTime: elapsed,
			CacheHitRate:      hit,
			DataSize:          approxSize(res.Data),
			ConsistencyScore:  1.0,
			query:             q,
		}
		o.patterns[key] = p
	} else {
		p.AccessCount++
		p.LastAccess = now
		p.AverageAccessTime = time.Duration((1-accessTimeAlpha)*float64(p.AverageAccessTime) + accessTimeAlpha*float64(elapsed))
		p.CacheHitRate = (1-hitRateAlpha)*p.CacheHitRate + hitRateAlpha*hit
		p.DataSize = approxSize(res.Data)
		if lvl := levelForSource(res.Source); lvl >= 0 {
			p.Level = lvl
		}
	}
	p.Usage = classifyUsage(p.AccessCount)

	o.pruneLocked(window)

	if o.hasResponse {
		o.responseEMA = time.Duration((1-accessTimeAlpha)*float64(o.responseEMA) + accessTimeAlpha*float64(elapsed))
	} else {
		o.responseEMA = elapsed
		o.hasResponse = true
	}

	o.accessTimes = append(o.accessTimes, now)
	o.trimAccessTimesLocked(now)

	o.history = append(o.history, q)
	if len(o.history) > historySize {
		o.history = o.history[len(o.history)-historySize:]
	}

	o.strategyUse[s]++
}

// learnedNext returns the query historically observed right after the
// given shape, scanning the last 10 history entries newest-first.
func (o *Optimizer) learnedNext(key string) (memory.Query, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.history) - 2; i >= 0; i-- {
		if o.history[i].Key() == key {
			return o.history[i+1], true
		}
	}
	return memory.Query{}, false
}

// MaintenanceResult summarizes one OptimizeAccessPatterns run.
type MaintenanceResult struct {
	Pruned    int
	Preloaded int
}

// OptimizeAccessPatterns prunes the pattern table to the window and warms
// the cache for the three hottest shapes.
func (o *Optimizer) OptimizeAccessPatterns(ctx context.Context) MaintenanceResult {
	o.cfgMu.RLock()
	window := o.cfg.PatternWindow
	o.cfgMu.RUnlock()
	if window <= 0 {
		window = 100
	}

	o.mu.Lock()
	before := len(o.patterns)
	o.pruneLocked(window)
	pruned := before - len(o.patterns)

	hottest := make([]*AccessPattern, 0, len(o.patterns))
	for _, p := range o.patterns {
		hottest = append(hottest, p)
	}
	sort.Slice(hottest, func(i, j int) bool { return hottest[i].AccessCount > hottest[j].AccessCount })
	if len(hottest) > 3 {
		hottest = hottest[:3]
	}
	queries := make([]memory.Query, 0, len(hottest))
	for _, p := range hottest {
		queries = append(queries, p.query)
	}
	o.mu.Unlock()

	var preloaded int
	for _, q := range queries {
		res, err := o.resolver.UnifiedAccess(ctx, q)
		if err != nil || !res.Success || res.Data == nil {
			continue
		}
		if err := o.cache.Coordinate(ctx, q.Key(), res.Data, memory.MidTerm); err == nil {
			preloaded++
		}
	}
	return MaintenanceResult{Pruned: pruned, Preloaded: preloaded}
}

// Stats is the optimizer's statistics snapshot.
type Stats struct {
	Patterns         int
	AvgHitRate       float64
	ResponseTimeEMA  time.Duration
	ConsistencyScore float64
	Load             float64
	Violations       uint64
	Fallbacks        uint64
	StrategyUse      map[Strategy]uint64
}

// Statistics snapshots the optimizer state.
func (o *Optimizer) Statistics() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var hitSum float64
	for _, p := range o.patterns {
		hitSum += p.CacheHitRate
	}
	avgHit := 0.0
	if len(o.patterns) > 0 {
		avgHit = hitSum / float64(len(o.patterns))
	}

	use := make(map[Strategy]uint64, len(o.strategyUse))
	for k, v := range o.strategyUse {
		use[k] = v
	}
	state := o.systemStateLocked()
	return Stats{
		Patterns:         len(o.patterns),
		AvgHitRate:       avgHit,
		ResponseTimeEMA:  o.responseEMA,
		ConsistencyScore: state.ConsistencyScore,
		Load:             state.Load,
		Violations:       o.violations,
		Fallbacks:        o.fallbacks,
		StrategyUse:      use,
	}
}

// systemStateLocked computes the aggregate state. Caller holds o.mu.
func (o *Optimizer) systemStateLocked() SystemState {
	now := o.now()
	cutoff := now.Add(-time.Minute)
	var recent int
	for _, t := range o.accessTimes {
		if t.After(cutoff) {
			recent++
		}
	}
	return SystemState{
		CacheHitRate:     o.cache.Statistics().HitRate,
		AvgResponseTime:  o.responseEMA,
		ConsistencyScore: o.consistency,
		Load:             clamp(float64(recent) / 100.0),
	}
}

// trimAccessTimesLocked drops access timestamps older than the trailing
// minute. Caller holds o.mu.
func (o *Optimizer) trimAccessTimesLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(o.accessTimes) && !o.accessTimes[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		o.accessTimes = append([]time.Time(nil), o.accessTimes[idx:]...)
	}
}

// pruneLocked trims the pattern table to the window, removing the oldest
// last-access entries first. Caller holds o.mu.
func (o *Optimizer) pruneLocked(window int) {
	if len(o.patterns) <= window {
		return
	}
	entries := make([]*AccessPattern, 0, len(o.patterns))
	for _, p := range o.patterns {
		entries = append(entries, p)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccess.Before(entries[j].LastAccess) })
	for _, victim := range entries[:len(o.patterns)-window] {
		delete(o.patterns, victim.Key)
	}
}

// cachedResult wraps a cache hit in the uniform read contract.
func cachedResult(data any, now time.Time) memory.Result {
	return memory.Result{
		Success:   true,
		Data:      data,
		Source:    memory.SourceCache,
		Timestamp: now,
		Metadata: memory.ResultMetadata{
			CacheHit:      true,
			DataFreshness: 0.8,
		},
	}
}

// levelForSource maps a result source to the cache level that should be
// consulted first next time. Non-tier sources return -1 (keep current).
func levelForSource(s memory.Source) memory.Level {
	switch s {
	case memory.SourceShortTerm:
		return memory.ShortTerm
	case memory.SourceMidTerm:
		return memory.MidTerm
	case memory.SourceLongTerm:
		return memory.LongTerm
	default:
		return -1
	}
}

// deduplicateResult removes duplicate elements from slice-shaped results
// of entity-like queries. The dedupe key prefers an "id" field, then
// "name", then "chapter", else the full JSON serialization.
func deduplicateResult(t memory.QueryType, data any) (any, bool) {
	if data == nil {
		return data, false
	}
	switch t {
	case memory.QueryCharacterInfo, memory.QueryWorldSettings, memory.QueryKeyEvents, memory.QuerySearch:
	default:
		return data, false
	}
	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice || rv.Len() < 2 {
		return data, false
	}

	out := reflect.MakeSlice(rv.Type(), 0, rv.Len())
	seen := make(map[string]bool, rv.Len())
	changed := false
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i)
		key := dedupeKey(elem.Interface())
		if seen[key] {
			changed = true
			continue
		}
		seen[key] = true
		out = reflect.Append(out, elem)
	}
	if !changed {
		return data, false
	}
	return out.Interface(), true
}

func dedupeKey(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, field := range []string{"id", "name", "chapter"} {
			if fv, ok := m[field]; ok && fv != nil && fv != "" {
				return fmt.Sprintf("%s=%v", field, fv)
			}
		}
	}
	return string(raw)
}

// approxSize estimates a payload's size as its JSON encoding length.
func approxSize(data any) int {
	if data == nil {
		return 0
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(raw)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
