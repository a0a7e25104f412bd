// Package quality implements the self-monitoring quality-assurance
// auditor. It periodically scores four quality dimensions (data
// integrity, system stability, performance, operational efficiency)
// across the cache coordinator, duplicate resolver, access optimizer and
// the four external tiers, raising advisory issues when a dimension drops
// below its threshold.
//
// The monitor is strictly advisory: it diagnoses, it never repairs, and
// its issues never block in-flight requests.
//
// Example Usage:
//
//	mon := quality.New(cfg.Quality, deps, nil)
//	mon.Start()
//	defer mon.Stop()
//
//	diag, err := mon.PerformComprehensiveDiagnostic(ctx)
//	if err != nil {
//		return err
//	}
//	fmt.Printf("overall health: %.2f\n", diag.Overall)
//	for _, issue := range diag.Issues {
//		fmt.Printf("[%s] %s: %s\n", issue.Severity, issue.Title, issue.Recommendation)
//	}
//
// The overall score is the fixed weighted blend
// 0.30·integrity + 0.30·stability + 0.25·performance + 0.15·efficiency,
// clamped to [0,1] like every score in this package.
package quality

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/orneryd/lorekeep/pkg/cache"
	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/optimize"
	"github.com/orneryd/lorekeep/pkg/resolve"
)

// Severity ranks an issue's urgency.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Issue is one advisory finding. Issues are append-only; they are marked
// resolved when their dimension recovers and pruned once they age out of
// the retention window.
type Issue struct {
	ID             string         `json:"id"`
	Severity       Severity       `json:"severity"`
	Category       string         `json:"category"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Impact         string         `json:"impact"`
	Recommendation string         `json:"recommendation"`
	DetectedAt     time.Time      `json:"detected_at"`
	Component      string         `json:"component"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Dimension is one scored quality dimension with its raw counters.
type Dimension struct {
	Score    float64            `json:"score"`
	Counters map[string]float64 `json:"counters,omitempty"`
}

// Metrics is one snapshot of all four dimensions.
type Metrics struct {
	Timestamp             time.Time `json:"timestamp"`
	DataIntegrity         Dimension `json:"data_integrity"`
	SystemStability       Dimension `json:"system_stability"`
	Performance           Dimension `json:"performance"`
	OperationalEfficiency Dimension `json:"operational_efficiency"`
}

// CacheSource exposes the coordinator statistics the monitor samples.
type CacheSource interface {
	Statistics() cache.Stats
}

// ResolverSource exposes the resolver operations the monitor samples. The
// consolidation probe doubles as the integrity check's canary.
type ResolverSource interface {
	Statistics() resolve.Stats
	ConsolidateWorldSettings(ctx context.Context) (*resolve.ConsolidatedWorldSettings, error)
}

// OptimizerSource exposes the optimizer statistics the monitor samples.
type OptimizerSource interface {
	Statistics() optimize.Stats
}

// Dependencies wires the monitor to everything it audits.
type Dependencies struct {
	Cache     CacheSource
	Resolver  ResolverSource
	Optimizer OptimizerSource
	Tiers     memory.Tiers
}

type errEvent struct {
	at       time.Time
	critical bool
}

// Monitor runs the quality checks. Safe for concurrent use; history,
// issues and counters share one mutex, never held across a probe call.
type Monitor struct {
	logger *log.Logger
	deps   Dependencies
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   config.QualityConfig

	mu      sync.Mutex
	history []Metrics
	issues  []Issue
	ops     []time.Time
	errs    []errEvent

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
}

// New creates a Monitor. A nil logger gets a default stderr logger with
// the "quality" prefix.
func New(cfg config.QualityConfig, deps Dependencies, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "quality"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		logger:     logger,
		deps:       deps,
		now:        time.Now,
		cfg:        cfg,
		loopCtx:    ctx,
		loopCancel: cancel,
	}
}

// UpdateConfig swaps thresholds and windows; the loop interval applies
// from the next Start.
func (m *Monitor) UpdateConfig(cfg config.QualityConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

// RecordOperation feeds the throughput and error-rate windows. The facade
// calls this once per public operation.
func (m *Monitor) RecordOperation() {
	now := m.now()
	m.mu.Lock()
	m.ops = append(m.ops, now)
	m.trimWindowsLocked(now)
	m.mu.Unlock()
}

// RecordError feeds the stability counters.
func (m *Monitor) RecordError(component string, critical bool) {
	now := m.now()
	m.mu.Lock()
	m.errs = append(m.errs, errEvent{at: now, critical: critical})
	m.trimWindowsLocked(now)
	m.mu.Unlock()
	m.logger.Debug("error recorded", "component", component, "critical", critical)
}

// Start launches the background quality loop: the four checks, a history
// snapshot, retention pruning. A faulty pass is logged and the loop
// continues next tick.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.cfgMu.RLock()
	interval := m.cfg.CheckInterval
	m.cfgMu.RUnlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.loopCtx.Done():
				return
			case <-ticker.C:
				m.runChecksSafely()
			}
		}
	}()
}

// Stop halts the background loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.loopCancel()
	m.wg.Wait()
}

func (m *Monitor) runChecksSafely() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("quality check pass panicked", "recovered", r)
		}
	}()
	ctx, cancel := context.WithTimeout(m.loopCtx, 30*time.Second)
	defer cancel()
	m.RunChecks(ctx)
}

// trimWindowsLocked drops operation and error events older than ten
// minutes. Caller holds m.mu.
func (m *Monitor) trimWindowsLocked(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	opsIdx := 0
	for opsIdx < len(m.ops) && m.ops[opsIdx].Before(cutoff) {
		opsIdx++
	}
	if opsIdx > 0 {
		m.ops = append([]time.Time(nil), m.ops[opsIdx:]...)
	}
	errIdx := 0
	for errIdx < len(m.errs) && m.errs[errIdx].at.Before(cutoff) {
		errIdx++
	}
	if errIdx > 0 {
		m.errs = append([]errEvent(nil), m.errs[errIdx:]...)
	}
}

// CurrentMetrics returns the latest snapshot, or a zero Metrics when no
// check has run yet.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Metrics{}
	}
	return m.history[len(m.history)-1]
}

// IssueHistory returns a copy of the retained issues, oldest first.
func (m *Monitor) IssueHistory() []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Issue, len(m.issues))
	copy(out, m.issues)
	return out
}

// newIssue builds an issue with a fresh id.
func (m *Monitor) newIssue(sev Severity, category, title, description, impact, recommendation, component string, meta map[string]any) Issue {
	return Issue{
		ID:             uuid.NewString(),
		Severity:       sev,
		Category:       category,
		Title:          title,
		Description:    description,
		Impact:         impact,
		Recommendation: recommendation,
		DetectedAt:     m.now(),
		Component:      component,
		Metadata:       meta,
	}
}

// severityForGap scales severity by how far below threshold a score fell.
func severityForGap(gap float64) Severity {
	switch {
	case gap >= 0.3:
		return SeverityCritical
	case gap >= 0.2:
		return SeverityHigh
	case gap >= 0.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
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
