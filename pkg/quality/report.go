package quality

import (
	"context"
	"fmt"
	"time"
)

// HealthState is the coarse per-component verdict.
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthWarning  HealthState = "WARNING"
	HealthCritical HealthState = "CRITICAL"
)

// ComponentHealth is one component's probe result.
type ComponentHealth struct {
	Component string      `json:"component"`
	State     HealthState `json:"state"`
	Score     float64     `json:"score"`
	Detail    string      `json:"detail"`
}

// Trend is the direction of a dimension between the two latest snapshots.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// Diagnostic is the full point-in-time picture: fresh dimension scores,
// the weighted overall score, component health, open issues and trends.
type Diagnostic struct {
	Timestamp       time.Time         `json:"timestamp"`
	Overall         float64           `json:"overall"`
	Metrics         Metrics           `json:"metrics"`
	Components      []ComponentHealth `json:"components"`
	Issues          []Issue           `json:"issues"`
	Trends          map[string]Trend  `json:"trends"`
	Recommendations []string          `json:"recommendations"`
}

// Report summarizes retained history over a trailing period without
// running any fresh checks.
type Report struct {
	PeriodDays      int                  `json:"period_days"`
	From            time.Time            `json:"from"`
	To              time.Time            `json:"to"`
	Snapshots       int                  `json:"snapshots"`
	Averages        map[string]float64   `json:"averages"`
	Trends          map[string]Trend     `json:"trends"`
	TotalIssues     int                  `json:"total_issues"`
	IssuesBySeverity map[Severity]int    `json:"issues_by_severity"`
	OpenIssues      []Issue              `json:"open_issues"`
	Dimensions      map[string][]float64 `json:"dimensions"`
	Recommendations []string             `json:"recommendations"`
}

// Overall blends the four dimension scores with the fixed weights.
func Overall(m Metrics) float64 {
	return clamp(0.30*m.DataIntegrity.Score +
		0.30*m.SystemStability.Score +
		0.25*m.Performance.Score +
		0.15*m.OperationalEfficiency.Score)
}

// PerformComprehensiveDiagnostic runs a fresh check pass, probes every
// component and assembles the full picture. The error return is reserved
// for context cancellation; degraded components report through their
// health state instead.
func (m *Monitor) PerformComprehensiveDiagnostic(ctx context.Context) (*Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snapshot := m.RunChecks(ctx)
	components := m.componentHealth(ctx)

	m.mu.Lock()
	trends := m.trendsLocked()
	var open []Issue
	for _, is := range m.issues {
		if is.ResolvedAt == nil {
			open = append(open, is)
		}
	}
	m.mu.Unlock()

	return &Diagnostic{
		Timestamp:       snapshot.Timestamp,
		Overall:         Overall(snapshot),
		Metrics:         snapshot,
		Components:      components,
		Issues:          open,
		Trends:          trends,
		Recommendations: recommendations(snapshot, components),
	}, nil
}

// GenerateQualityReport summarizes the retained snapshots and issues for
// the trailing periodDays. It is a pure read over retained state plus
// read-only component probes; it never mutates history.
func (m *Monitor) GenerateQualityReport(ctx context.Context, periodDays int) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if periodDays <= 0 {
		periodDays = 1
	}
	now := m.now()
	from := now.Add(-time.Duration(periodDays) * 24 * time.Hour)

	m.mu.Lock()
	var snapshots []Metrics
	for _, s := range m.history {
		if !s.Timestamp.Before(from) {
			snapshots = append(snapshots, s)
		}
	}
	bySeverity := map[Severity]int{}
	var total int
	var open []Issue
	for _, is := range m.issues {
		if is.DetectedAt.Before(from) {
			continue
		}
		total++
		bySeverity[is.Severity]++
		if is.ResolvedAt == nil {
			open = append(open, is)
		}
	}
	trends := m.trendsLocked()
	m.mu.Unlock()

	dims := map[string][]float64{
		CategoryIntegrity:   make([]float64, 0, len(snapshots)),
		CategoryStability:   make([]float64, 0, len(snapshots)),
		CategoryPerformance: make([]float64, 0, len(snapshots)),
		CategoryEfficiency:  make([]float64, 0, len(snapshots)),
	}
	averages := map[string]float64{}
	for _, s := range snapshots {
		dims[CategoryIntegrity] = append(dims[CategoryIntegrity], s.DataIntegrity.Score)
		dims[CategoryStability] = append(dims[CategoryStability], s.SystemStability.Score)
		dims[CategoryPerformance] = append(dims[CategoryPerformance], s.Performance.Score)
		dims[CategoryEfficiency] = append(dims[CategoryEfficiency], s.OperationalEfficiency.Score)
	}
	for name, scores := range dims {
		var sum float64
		for _, v := range scores {
			sum += v
		}
		if len(scores) > 0 {
			averages[name] = sum / float64(len(scores))
		}
	}

	var recs []string
	if len(snapshots) > 0 {
		recs = recommendations(snapshots[len(snapshots)-1], m.componentHealth(ctx))
	}

	return &Report{
		PeriodDays:      periodDays,
		From:            from,
		To:              now,
		Snapshots:       len(snapshots),
		Averages:        averages,
		Trends:          trends,
		TotalIssues:     total,
		IssuesBySeverity: bySeverity,
		OpenIssues:      open,
		Dimensions:      dims,
		Recommendations: recs,
	}, nil
}

// trendsLocked compares the two latest snapshots per dimension. A move of
// more than 0.05 either way counts as a trend; fewer than two snapshots
// reads as stable. Caller holds m.mu.
func (m *Monitor) trendsLocked() map[string]Trend {
	trends := map[string]Trend{
		CategoryIntegrity:   TrendStable,
		CategoryStability:   TrendStable,
		CategoryPerformance: TrendStable,
		CategoryEfficiency:  TrendStable,
	}
	if len(m.history) < 2 {
		return trends
	}
	prev := m.history[len(m.history)-2]
	last := m.history[len(m.history)-1]
	trends[CategoryIntegrity] = trendOf(prev.DataIntegrity.Score, last.DataIntegrity.Score)
	trends[CategoryStability] = trendOf(prev.SystemStability.Score, last.SystemStability.Score)
	trends[CategoryPerformance] = trendOf(prev.Performance.Score, last.Performance.Score)
	trends[CategoryEfficiency] = trendOf(prev.OperationalEfficiency.Score, last.OperationalEfficiency.Score)
	return trends
}

func trendOf(prev, last float64) Trend {
	delta := last - prev
	switch {
	case delta > 0.05:
		return TrendImproving
	case delta < -0.05:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// componentHealth probes each wired component and grades it: score ≥ 0.8
// is HEALTHY, ≥ 0.5 WARNING, anything lower CRITICAL.
func (m *Monitor) componentHealth(ctx context.Context) []ComponentHealth {
	var out []ComponentHealth

	if m.deps.Cache != nil {
		stats := m.deps.Cache.Statistics()
		score := clamp(0.5 + stats.HitRate/2)
		out = append(out, grade("cacheCoordinator", score,
			fmt.Sprintf("hit rate %.2f across %d levels", stats.HitRate, len(stats.Levels))))
	}
	if m.deps.Resolver != nil {
		stats := m.deps.Resolver.Statistics()
		score := 1.0
		if stats.Consolidations > 0 {
			fallbackShare := float64(stats.Fallbacks) / float64(stats.Consolidations)
			if fallbackShare > 1 {
				fallbackShare = 1
			}
			score = clamp(1 - fallbackShare)
		}
		out = append(out, grade("duplicateResolver", score,
			fmt.Sprintf("%d consolidations, %d fallbacks", stats.Consolidations, stats.Fallbacks)))
	}
	if m.deps.Optimizer != nil {
		stats := m.deps.Optimizer.Statistics()
		out = append(out, grade("accessOptimizer", stats.ConsistencyScore,
			fmt.Sprintf("consistency %.2f, %d patterns", stats.ConsistencyScore, stats.Patterns)))
	}

	for name, status := range m.tierStatuses(ctx) {
		score := 1.0
		detail := "initialized"
		if !status.Initialized {
			score = 0.2
			detail = "not initialized"
		} else {
			var total int
			for _, n := range status.Counts {
				total += n
			}
			if total == 0 {
				score = 0.6
				detail = "initialized but empty"
			}
		}
		out = append(out, grade("tier:"+name, score, detail))
	}
	return out
}

func grade(component string, score float64, detail string) ComponentHealth {
	state := HealthCritical
	switch {
	case score >= 0.8:
		state = HealthHealthy
	case score >= 0.5:
		state = HealthWarning
	}
	return ComponentHealth{Component: component, State: state, Score: score, Detail: detail}
}

// recommendations derives rule-based advice from the latest snapshot and
// component probes.
func recommendations(m Metrics, components []ComponentHealth) []string {
	var recs []string
	if hit, ok := m.Performance.Counters["cache_hit_rate"]; ok && hit < 0.7 {
		recs = append(recs, "cache hit rate is low; consider longer TTLs or prefetching more aggressively")
	}
	if util, ok := m.Performance.Counters["utilization"]; ok && util > 0.8 {
		recs = append(recs, "cache levels are near capacity; raise max_bytes for the pressured levels")
	}
	if m.DataIntegrity.Counters["violations"] > 0 {
		recs = append(recs, "integrity violations detected; verify tier connectivity and re-consolidate")
	}
	if m.SystemStability.Counters["critical_errors"] > 0 {
		recs = append(recs, "critical errors recorded in the last ten minutes; inspect component logs")
	}
	for _, c := range components {
		if c.State == HealthCritical {
			recs = append(recs, fmt.Sprintf("component %s is critical: %s", c.Component, c.Detail))
		}
	}
	return recs
}
