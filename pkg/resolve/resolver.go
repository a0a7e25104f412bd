// Package resolve implements the duplicate resolver: it reconciles the
// redundant copies of world facts and characters held by independent
// subsystems into one canonical record with a conflict audit trail, and
// dispatches unified memory queries to whichever tier can answer.
//
// Consolidation never fails hard. A provider that errors or returns
// nothing is recorded as absent and excluded from voting; if every
// provider is absent the caller gets a fixed fallback record tagged
// sources=["fallback"]. When providers disagree on a scalar field the
// designated primary source wins, otherwise the longest value; every
// disagreement is logged into the record's ConflictsResolved audit, which
// is reset on each consolidation, never accumulated.
//
// Example Usage:
//
//	r := resolve.New(cfg.Resolver, tiers, nil)
//	r.RegisterWorldProvider(resolve.WorldSettingsProvider{
//		Name:    "longTermMemory",
//		Primary: true,
//		Fetch:   tiers.LongTerm.WorldSettings,
//	})
//
//	ws, err := r.ConsolidateWorldSettings(ctx)
//	if err != nil {
//		return err
//	}
//	for _, c := range ws.ConflictsResolved {
//		log.Warn("conflict", "field", c.Field, "chose", c.Chosen, "why", c.Reason)
//	}
package resolve

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
)

// Sentinel errors for caller mistakes. These are the only errors a read
// through the resolver surfaces; everything else degrades to a
// Success=false result.
var (
	ErrUnsupportedQueryType = errors.New("unsupported query type")
	ErrMissingTarget        = errors.New("query requires a target")
)

// WorldSettingsProvider is one registered source of world settings. At
// most one provider should be Primary; its values win scalar conflicts.
type WorldSettingsProvider struct {
	Name    string
	Primary bool
	Fetch   func(ctx context.Context) (*memory.WorldSettings, error)
}

// CharacterProvider is one registered source of character records.
type CharacterProvider struct {
	Name    string
	Primary bool
	Fetch   func(ctx context.Context, target string) (*memory.Character, error)
}

// ConflictValue is one competing value and where it came from.
type ConflictValue struct {
	Source string `json:"source"`
	Value  string `json:"value"`
}

// Conflict records one settled disagreement between providers.
type Conflict struct {
	Field  string          `json:"field"`
	Values []ConflictValue `json:"values"`
	Chosen string          `json:"chosen"`
	Reason string          `json:"reason"`
}

// ConsolidatedWorldSettings is the canonical world-settings record with
// provenance and conflict audit.
type ConsolidatedWorldSettings struct {
	memory.WorldSettings

	Sources           []string   `json:"sources"`
	ConflictsResolved []Conflict `json:"conflicts_resolved"`
	LastConsolidated  time.Time  `json:"last_consolidated"`
}

// ConsolidatedCharacter is the canonical character record with provenance
// and conflict audit.
type ConsolidatedCharacter struct {
	memory.Character

	Sources           []string   `json:"sources"`
	ConflictsResolved []Conflict `json:"conflicts_resolved"`
	LastConsolidated  time.Time  `json:"last_consolidated"`
}

// Resolver reconciles provider copies and serves unified memory queries.
// Safe for concurrent use.
type Resolver struct {
	logger *log.Logger
	tiers  memory.Tiers
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   config.ResolverConfig

	provMu         sync.RWMutex
	worldProviders []WorldSettingsProvider
	charProviders  []CharacterProvider

	worldMu      sync.Mutex
	world        *ConsolidatedWorldSettings
	worldFetched time.Time

	charMu sync.Mutex
	chars  map[string]charCacheEntry

	resultMu sync.Mutex
	results  *expirable.LRU[string, memory.Result]

	consolidations uint64
	conflictsTotal uint64
	fallbacks      uint64
}

type charCacheEntry struct {
	record  *ConsolidatedCharacter
	fetched time.Time
}

// New creates a Resolver over the external tiers. A nil logger gets a
// default stderr logger with the "resolve" prefix. Providers are
// registered separately so callers control primary designation.
func New(cfg config.ResolverConfig, tiers memory.Tiers, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "resolve"})
	}
	size := cfg.ResultCacheSize
	if size <= 0 {
		size = 256
	}
	ttl := cfg.ResultCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		logger:  logger,
		tiers:   tiers,
		now:     time.Now,
		cfg:     cfg,
		chars:   make(map[string]charCacheEntry),
		results: expirable.NewLRU[string, memory.Result](size, nil, ttl),
	}
}

// RegisterWorldProvider adds a world-settings source.
func (r *Resolver) RegisterWorldProvider(p WorldSettingsProvider) {
	r.provMu.Lock()
	r.worldProviders = append(r.worldProviders, p)
	r.provMu.Unlock()
}

// RegisterCharacterProvider adds a character source.
func (r *Resolver) RegisterCharacterProvider(p CharacterProvider) {
	r.provMu.Lock()
	r.charProviders = append(r.charProviders, p)
	r.provMu.Unlock()
}

// UpdateConfig swaps consolidation TTLs and limits. The unified result
// cache is rebuilt when its TTL or size changes.
func (r *Resolver) UpdateConfig(cfg config.ResolverConfig) {
	r.cfgMu.Lock()
	rebuild := cfg.ResultCacheTTL != r.cfg.ResultCacheTTL || cfg.ResultCacheSize != r.cfg.ResultCacheSize
	r.cfg = cfg
	r.cfgMu.Unlock()

	if rebuild {
		size := cfg.ResultCacheSize
		if size <= 0 {
			size = 256
		}
		ttl := cfg.ResultCacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		r.resultMu.Lock()
		r.results = expirable.NewLRU[string, memory.Result](size, nil, ttl)
		r.resultMu.Unlock()
	}
}

// Stats is the resolver's statistics snapshot.
type Stats struct {
	Consolidations    uint64
	ConflictsResolved uint64
	Fallbacks         uint64
	ResultCacheLen    int
	WorldCacheValid   bool
	CharacterCached   int
}

// Statistics snapshots the resolver counters.
func (r *Resolver) Statistics() Stats {
	r.resultMu.Lock()
	cached := r.results.Len()
	r.resultMu.Unlock()

	r.worldMu.Lock()
	worldValid := r.world != nil && r.now().Sub(r.worldFetched) < r.worldTTL()
	r.worldMu.Unlock()

	r.charMu.Lock()
	charCount := len(r.chars)
	r.charMu.Unlock()

	return Stats{
		Consolidations:    atomic.LoadUint64(&r.consolidations),
		ConflictsResolved: atomic.LoadUint64(&r.conflictsTotal),
		Fallbacks:         atomic.LoadUint64(&r.fallbacks),
		ResultCacheLen:    cached,
		WorldCacheValid:   worldValid,
		CharacterCached:   charCount,
	}
}

func (r *Resolver) worldTTL() time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	if r.cfg.WorldSettingsTTL > 0 {
		return r.cfg.WorldSettingsTTL
	}
	return 30 * time.Minute
}

func (r *Resolver) characterTTL() time.Duration {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	if r.cfg.CharacterTTL > 0 {
		return r.cfg.CharacterTTL
	}
	return 15 * time.Minute
}

func (r *Resolver) searchLimit() int {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	if r.cfg.SearchLimit > 0 {
		return r.cfg.SearchLimit
	}
	return 10
}

func normalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}
