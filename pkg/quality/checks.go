package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// Dimension categories, also used as Issue.Category.
const (
	CategoryIntegrity   = "data_integrity"
	CategoryStability   = "system_stability"
	CategoryPerformance = "performance"
	CategoryEfficiency  = "operational_efficiency"
)

// RunChecks scores all four dimensions, appends a history snapshot,
// raises issues for dimensions below threshold, resolves open issues for
// dimensions that recovered, and prunes everything past the retention
// window. It returns the new snapshot.
func (m *Monitor) RunChecks(ctx context.Context) Metrics {
	now := m.now()
	snapshot := Metrics{
		Timestamp:             now,
		DataIntegrity:         m.checkDataIntegrity(ctx),
		SystemStability:       m.checkSystemStability(),
		Performance:           m.checkPerformance(),
		OperationalEfficiency: m.checkOperationalEfficiency(),
	}

	m.cfgMu.RLock()
	cfg := m.cfg
	m.cfgMu.RUnlock()

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	m.reconcileIssuesLocked(CategoryIntegrity, snapshot.DataIntegrity, cfg.IntegrityThreshold, now)
	m.reconcileIssuesLocked(CategoryStability, snapshot.SystemStability, cfg.StabilityThreshold, now)
	m.reconcileIssuesLocked(CategoryPerformance, snapshot.Performance, cfg.PerformanceThreshold, now)
	m.reconcileIssuesLocked(CategoryEfficiency, snapshot.OperationalEfficiency, cfg.EfficiencyThreshold, now)
	m.pruneLocked(now, cfg.RetentionPeriod)
	m.mu.Unlock()

	m.logger.Debug("quality check pass complete",
		"integrity", snapshot.DataIntegrity.Score,
		"stability", snapshot.SystemStability.Score,
		"performance", snapshot.Performance.Score,
		"efficiency", snapshot.OperationalEfficiency.Score)
	return snapshot
}

// reconcileIssuesLocked raises one issue when a dimension sits below its
// threshold and marks every open issue of that category resolved when it
// recovers. Caller holds m.mu.
func (m *Monitor) reconcileIssuesLocked(category string, dim Dimension, threshold float64, now time.Time) {
	if dim.Score >= threshold {
		for i := range m.issues {
			if m.issues[i].Category == category && m.issues[i].ResolvedAt == nil {
				t := now
				m.issues[i].ResolvedAt = &t
			}
		}
		return
	}

	gap := threshold - dim.Score
	meta := make(map[string]any, len(dim.Counters)+2)
	for k, v := range dim.Counters {
		meta[k] = v
	}
	meta["score"] = dim.Score
	meta["threshold"] = threshold

	issue := m.newIssue(
		severityForGap(gap),
		category,
		fmt.Sprintf("%s below threshold", category),
		fmt.Sprintf("%s scored %.2f against a threshold of %.2f", category, dim.Score, threshold),
		impactFor(category),
		recommendationFor(category),
		"memory-integration",
		meta,
	)
	m.issues = append(m.issues, issue)
	m.logger.Warn("quality issue raised",
		"id", issue.ID, "category", category, "severity", issue.Severity, "score", dim.Score)
}

// pruneLocked drops snapshots and issues older than the retention window.
// Open issues are kept regardless of age so a long-standing problem stays
// visible. Caller holds m.mu.
func (m *Monitor) pruneLocked(now time.Time, retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)

	kept := m.history[:0]
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	m.history = kept

	keptIssues := m.issues[:0]
	for _, is := range m.issues {
		if is.ResolvedAt == nil || !is.DetectedAt.Before(cutoff) {
			keptIssues = append(keptIssues, is)
		}
	}
	m.issues = keptIssues
}

// checkDataIntegrity counts integrity violations across the caches, the
// consolidation path and the external tiers, then maps them to a score of
// 1 − violations/10.
func (m *Monitor) checkDataIntegrity(ctx context.Context) Dimension {
	var violations float64
	counters := map[string]float64{}

	if m.deps.Cache != nil {
		stats := m.deps.Cache.Statistics()
		if stats.HitRate < 0.5 {
			violations++
			counters["cache_hit_rate_low"] = 1
		}
	}

	if m.deps.Resolver != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := m.deps.Resolver.ConsolidateWorldSettings(probeCtx)
		cancel()
		if err != nil {
			violations++
			counters["consolidation_failed"] = 1
			m.logger.Debug("integrity probe: consolidation failed", "err", err)
		}
	}

	for name, status := range m.tierStatuses(ctx) {
		if !status.Initialized {
			violations++
			counters["tier_uninitialized_"+name] = 1
			continue
		}
		var total int
		for _, n := range status.Counts {
			total += n
		}
		if total == 0 {
			violations++
			counters["tier_empty_"+name] = 1
		}
	}

	counters["violations"] = violations
	return Dimension{Score: clamp(1 - violations/10), Counters: counters}
}

// tierStatuses probes each wired tier. A failed probe reads as an
// uninitialized tier.
func (m *Monitor) tierStatuses(ctx context.Context) map[string]memory.TierStatus {
	out := map[string]memory.TierStatus{}
	probe := func(name string, fn func(context.Context) (memory.TierStatus, error)) {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status, err := fn(probeCtx)
		if err != nil {
			m.logger.Debug("tier status probe failed", "tier", name, "err", err)
			out[name] = memory.TierStatus{}
			return
		}
		out[name] = status
	}
	if m.deps.Tiers.ShortTerm != nil {
		probe("short_term", m.deps.Tiers.ShortTerm.Status)
	}
	if m.deps.Tiers.MidTerm != nil {
		probe("mid_term", m.deps.Tiers.MidTerm.Status)
	}
	if m.deps.Tiers.LongTerm != nil {
		probe("long_term", m.deps.Tiers.LongTerm.Status)
	}
	if m.deps.Tiers.WorldKnowledge != nil {
		probe("world_knowledge", m.deps.Tiers.WorldKnowledge.Status)
	}
	return out
}

// checkSystemStability scores 1 − (errorRate + 0.1·criticalCount +
// recoveryFactor), each term capped so no single burst zeroes the score.
// The windows cover the trailing ten minutes.
func (m *Monitor) checkSystemStability() Dimension {
	now := m.now()
	m.mu.Lock()
	m.trimWindowsLocked(now)
	ops := len(m.ops)
	errs := len(m.errs)
	var critical float64
	for _, e := range m.errs {
		if e.critical {
			critical++
		}
	}
	recovery := m.recoveryFactorLocked(now)
	m.mu.Unlock()

	errRate := 0.0
	if ops > 0 {
		errRate = float64(errs) / float64(ops)
	} else if errs > 0 {
		errRate = 1
	}
	if errRate > 1 {
		errRate = 1
	}
	critTerm := 0.1 * critical
	if critTerm > 0.5 {
		critTerm = 0.5
	}

	return Dimension{
		Score: clamp(1 - (errRate + critTerm + recovery)),
		Counters: map[string]float64{
			"operations":      float64(ops),
			"errors":          float64(errs),
			"critical_errors": critical,
			"error_rate":      errRate,
			"recovery_factor": recovery,
		},
	}
}

// recoveryFactorLocked penalizes slow issue resolution: the mean
// seconds-to-resolve of recently resolved issues over a five-minute scale,
// capped at 0.3. Caller holds m.mu.
func (m *Monitor) recoveryFactorLocked(now time.Time) float64 {
	var total time.Duration
	var n int
	cutoff := now.Add(-10 * time.Minute)
	for _, is := range m.issues {
		if is.ResolvedAt == nil || is.ResolvedAt.Before(cutoff) {
			continue
		}
		total += is.ResolvedAt.Sub(is.DetectedAt)
		n++
	}
	if n == 0 {
		return 0
	}
	factor := (total.Seconds() / float64(n)) / 300 * 0.3
	if factor > 0.3 {
		factor = 0.3
	}
	return factor
}

// checkPerformance deducts for slow responses, cache-hit deficit, memory
// pressure and each detected bottleneck.
func (m *Monitor) checkPerformance() Dimension {
	counters := map[string]float64{}
	var rt time.Duration
	if m.deps.Optimizer != nil {
		rt = m.deps.Optimizer.Statistics().ResponseTimeEMA
	}
	rtFactor := rt.Seconds() / 1.0
	if rtFactor > 0.4 {
		rtFactor = 0.4
	}

	var hitRate, utilization float64
	if m.deps.Cache != nil {
		stats := m.deps.Cache.Statistics()
		hitRate = stats.HitRate
		var used, max float64
		for _, l := range stats.Levels {
			used += float64(l.UsedBytes)
			max += float64(l.MaxBytes)
		}
		if max > 0 {
			utilization = used / max
		}
	}
	hitDeficit := 0.0
	if hitRate < 0.7 {
		hitDeficit = 0.7 - hitRate
	}
	utilFactor := 0.0
	if utilization > 0.8 {
		utilFactor = utilization - 0.8
	}

	now := m.now()
	m.mu.Lock()
	m.trimWindowsLocked(now)
	var opsLastMinute float64
	for _, at := range m.ops {
		if at.After(now.Add(-time.Minute)) {
			opsLastMinute++
		}
	}
	m.mu.Unlock()
	throughput := opsLastMinute / 60

	var bottlenecks float64
	if rt > 200*time.Millisecond {
		bottlenecks++
		counters["bottleneck_response_time"] = 1
	}
	if hitRate < 0.7 {
		bottlenecks++
		counters["bottleneck_hit_rate"] = 1
	}
	if utilization > 0.8 {
		bottlenecks++
		counters["bottleneck_utilization"] = 1
	}
	// Throughput only counts as a bottleneck under live traffic; an idle
	// system is not slow, it is idle.
	if opsLastMinute > 0 && throughput < 10 {
		bottlenecks++
		counters["bottleneck_throughput"] = 1
	}

	counters["response_time_ms"] = float64(rt.Milliseconds())
	counters["cache_hit_rate"] = hitRate
	counters["utilization"] = utilization
	counters["throughput_per_sec"] = throughput
	counters["bottlenecks"] = bottlenecks

	return Dimension{
		Score:    clamp(1 - (rtFactor + hitDeficit + utilFactor + 0.1*bottlenecks)),
		Counters: counters,
	}
}

// checkOperationalEfficiency blends automation level, maintenance
// overhead, alert accuracy and issue resolution speed:
// 0.3·automation + 0.2·(1−overhead) + 0.3·accuracy + 0.2·(1−resolution).
func (m *Monitor) checkOperationalEfficiency() Dimension {
	automation := 1.0
	overhead := 0.0
	if m.deps.Cache != nil {
		stats := m.deps.Cache.Statistics()
		var auto, hits, misses, evictions float64
		for _, l := range stats.Levels {
			auto += float64(l.Expired)
			hits += float64(l.Hits)
			misses += float64(l.Misses)
			evictions += float64(l.Evictions)
		}
		auto += float64(stats.Propagated)
		manual := float64(stats.Invalidations)
		if auto+manual > 0 {
			automation = auto / (auto + manual)
		}
		overhead = evictions / (hits + misses + 1)
		if overhead > 1 {
			overhead = 1
		}
	}

	now := m.now()
	m.mu.Lock()
	var raised, resolved float64
	var resolutionTotal time.Duration
	cutoff := now.Add(-24 * time.Hour)
	for _, is := range m.issues {
		if is.DetectedAt.Before(cutoff) {
			continue
		}
		raised++
		if is.ResolvedAt != nil {
			resolved++
			resolutionTotal += is.ResolvedAt.Sub(is.DetectedAt)
		}
	}
	m.mu.Unlock()

	accuracy := 1.0
	if raised > 0 {
		accuracy = resolved / raised
	}
	resolutionFactor := 0.0
	if resolved > 0 {
		resolutionFactor = (resolutionTotal.Seconds() / resolved) / 600
		if resolutionFactor > 1 {
			resolutionFactor = 1
		}
	}

	score := 0.3*automation + 0.2*(1-overhead) + 0.3*accuracy + 0.2*(1-resolutionFactor)
	return Dimension{
		Score: clamp(score),
		Counters: map[string]float64{
			"automation_level":       automation,
			"maintenance_overhead":   overhead,
			"alert_accuracy":         accuracy,
			"resolution_time_factor": resolutionFactor,
			"issues_raised":          raised,
			"issues_resolved":        resolved,
		},
	}
}

func impactFor(category string) string {
	switch category {
	case CategoryIntegrity:
		return "generated chapters may draw on stale or inconsistent memory"
	case CategoryStability:
		return "memory operations are failing often enough to degrade generation"
	case CategoryPerformance:
		return "memory access latency is slowing chapter generation"
	case CategoryEfficiency:
		return "manual maintenance and alert noise are eating operational headroom"
	default:
		return "memory subsystem quality degraded"
	}
}

func recommendationFor(category string) string {
	switch category {
	case CategoryIntegrity:
		return "verify tier initialization and re-run consolidation for affected records"
	case CategoryStability:
		return "inspect recent errors per component and restore failing tier connections"
	case CategoryPerformance:
		return "raise cache capacity or TTLs for the hot levels and review slow tiers"
	case CategoryEfficiency:
		return "tune invalidation rules so routine cleanup happens through sweeps"
	default:
		return "run a comprehensive diagnostic"
	}
}
