// Package cache implements the cache coordinator: one TTL'd, byte-bounded
// LRU store per memory level, with dependency-driven cross-level
// invalidation, downward write propagation, predictive prefetch, and a
// periodic expiry sweep.
//
// A logical key may live at several levels at once. The coordinator is the
// sole writer of every level's map:
//
//	coord := cache.New(cfg.Cache, nil)
//	coord.Start()
//	defer coord.Stop()
//
//	// Write at the authoritative level; any copies at cheaper levels
//	// are overwritten in place, and entries that depend on this key
//	// are invalidated.
//	if err := coord.Coordinate(ctx, "worldSettings", settings, memory.LongTerm); err != nil {
//		return err
//	}
//
//	// Reads never fail; a stale or missing entry is just a miss.
//	if v, ok := coord.Get("worldSettings", memory.LongTerm); ok {
//		use(v)
//	}
//
// ELI12: the three levels are like your desk, your backpack and your
// locker. When you put a new copy of a worksheet in your locker, the old
// copies on your desk get swapped for the new one, and any notes you wrote
// based on the old worksheet get thrown out so you don't trust them by
// mistake.
package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
)

// hitRateAlpha smooths the aggregate hit/miss EMA fed to the optimizer.
const hitRateAlpha = 0.2

// Coordinator owns the three level stores and all cross-level bookkeeping.
// Safe for concurrent use; each store carries its own lock and the
// coordinator never holds two store locks at once.
type Coordinator struct {
	stores [3]*levelStore
	logger *log.Logger

	// now is swappable for tests.
	now func() time.Time

	cfgMu sync.RWMutex
	cfg   config.CacheConfig

	eventMu sync.Mutex
	pending []InvalidationEvent

	emaMu      sync.Mutex
	hitRateEMA float64

	invalidations uint64
	propagated    uint64

	sourceMu sync.RWMutex
	source   PrefetchSource

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
}

// New creates a Coordinator from the cache section of the configuration.
// A nil logger gets a default stderr logger with the "cache" prefix.
func New(cfg config.CacheConfig, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "cache"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:     logger,
		now:        time.Now,
		cfg:        cfg,
		hitRateEMA: 1.0,
		loopCtx:    ctx,
		loopCancel: cancel,
	}
	c.stores[memory.ShortTerm] = newLevelStore(memory.ShortTerm, cfg.ShortTerm.TTL, cfg.ShortTerm.MaxBytes)
	c.stores[memory.MidTerm] = newLevelStore(memory.MidTerm, cfg.MidTerm.TTL, cfg.MidTerm.MaxBytes)
	c.stores[memory.LongTerm] = newLevelStore(memory.LongTerm, cfg.LongTerm.TTL, cfg.LongTerm.MaxBytes)
	return c
}

// Coordinate writes a value at the given level and reconciles the other
// levels: copies of the key at cheaper levels are overwritten in place,
// and entries at more authoritative levels that depend on the key are
// invalidated (not refreshed), forcing recomputation on their next read.
//
// Write failures are caller-visible: an entry that cannot fit its level's
// capacity even after eviction returns an error.
func (c *Coordinator) Coordinate(ctx context.Context, key string, data any, level memory.Level) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store, err := c.store(level)
	if err != nil {
		return err
	}
	now := c.now()
	size := dataSize(data)

	entry := &Entry{
		Key:          key,
		Data:         data,
		Level:        level,
		Timestamp:    now,
		ExpiresAt:    now.Add(store.currentTTL()),
		AccessCount:  0,
		LastAccess:   now,
		Dependencies: InferDependencies(key),
		Metadata: EntryMetadata{
			Size:     size,
			Priority: inferPriority(key),
			Tags:     inferTags(key),
		},
	}

	evicted, err := store.put(entry)
	if err != nil {
		return fmt.Errorf("coordinate %q at %s: %w", key, level, err)
	}
	if len(evicted) > 0 {
		c.logger.Debug("evicted for capacity", "level", level.String(), "count", len(evicted))
	}

	// Downward propagation: overwrite existing copies at cheaper levels.
	for l := int(level) - 1; l >= 0; l-- {
		if c.stores[l].overwrite(key, data, size, now) {
			c.logger.Debug("propagated write", "key", key, "to", memory.Level(l).String())
		}
	}

	// Upward notification: ancestor entries depending on this key are
	// stale now. Enqueue first, drain in the same call.
	for l := int(level) + 1; l < len(c.stores); l++ {
		removed := c.stores[l].removeDependents(key)
		if len(removed) == 0 {
			continue
		}
		c.enqueue(InvalidationEvent{
			ID:           uuid.NewString(),
			Type:         EventDependencyChange,
			AffectedKeys: removed,
			Level:        memory.Level(l),
			Timestamp:    now,
			Reason:       "dependency changed: " + key,
		})
	}
	c.drainEvents()
	return nil
}

// Get returns the cached value iff an unexpired entry exists at the level.
// It never fails: expired entries are dropped and counted as misses, and
// every outcome feeds the hit-rate EMA.
func (c *Coordinator) Get(key string, level memory.Level) (any, bool) {
	store, err := c.store(level)
	if err != nil {
		c.observe(false)
		return nil, false
	}
	entry, ok := store.get(key, c.now())
	c.observe(ok)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// Contains reports whether an unexpired entry exists without counting a
// hit or miss. Prefetch uses it to skip already-warm keys.
func (c *Coordinator) Contains(key string, level memory.Level) bool {
	store, err := c.store(level)
	if err != nil {
		return false
	}
	return store.contains(key, c.now())
}

// Invalidate removes the key and every same-level entry whose dependency
// patterns match it, then propagates the removals to the other two levels.
// Returns how many entries were removed at the named level.
func (c *Coordinator) Invalidate(key string, level memory.Level, reason string) int {
	store, err := c.store(level)
	if err != nil {
		return 0
	}
	now := c.now()

	affected := make([]string, 0, 4)
	if store.remove(key) {
		affected = append(affected, key)
	}
	affected = append(affected, store.removeDependents(key)...)

	atomic.AddUint64(&c.invalidations, 1)
	keys := affected
	if len(keys) == 0 {
		// The key was absent locally, but other levels may still hold it.
		keys = []string{key}
	}
	c.enqueue(InvalidationEvent{
		ID:           uuid.NewString(),
		Type:         EventDelete,
		AffectedKeys: keys,
		Level:        level,
		Timestamp:    now,
		Reason:       reason,
	})
	c.drainEvents()

	c.logger.Debug("invalidated", "key", key, "level", level.String(), "removed", len(affected), "reason", reason)
	return len(affected)
}

// Start launches the background expiry sweep. The sweep scans all three
// maps on a fixed interval, independent of foreground reads and writes; a
// faulty pass is logged and the loop continues next tick.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.cfgMu.RLock()
	interval := c.cfg.SweepInterval
	c.cfgMu.RUnlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.loopCtx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to finish.
func (c *Coordinator) Stop() {
	c.loopCancel()
	c.wg.Wait()
}

// Sweep removes expired entries from all three levels immediately and
// returns the total dropped. The background loop calls this on its timer;
// it is also safe to call directly.
func (c *Coordinator) Sweep() int {
	now := c.now()
	var total int
	for _, s := range c.stores {
		total += s.sweep(now)
	}
	if total > 0 {
		c.logger.Debug("sweep removed expired entries", "count", total)
	}
	return total
}

// UpdateConfig applies new TTLs, capacities and prefetch settings. The new
// TTLs affect subsequent writes; in-flight entries keep their expiry.
func (c *Coordinator) UpdateConfig(cfg config.CacheConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	c.stores[memory.ShortTerm].setLimits(cfg.ShortTerm.TTL, cfg.ShortTerm.MaxBytes)
	c.stores[memory.MidTerm].setLimits(cfg.MidTerm.TTL, cfg.MidTerm.MaxBytes)
	c.stores[memory.LongTerm].setLimits(cfg.LongTerm.TTL, cfg.LongTerm.MaxBytes)
}

// LevelStats holds one level's counters.
type LevelStats struct {
	Entries   int
	UsedBytes int
	MaxBytes  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

// Stats is the coordinator's aggregate statistics snapshot.
type Stats struct {
	Levels        map[string]LevelStats
	HitRate       float64
	Invalidations uint64
	Propagated    uint64
}

// Statistics snapshots all counters. HitRate is the smoothed hit/miss EMA
// across all levels, not a lifetime average.
func (c *Coordinator) Statistics() Stats {
	c.emaMu.Lock()
	hitRate := c.hitRateEMA
	c.emaMu.Unlock()

	levels := make(map[string]LevelStats, 3)
	for _, l := range memory.Levels() {
		levels[l.String()] = c.stores[l].stats()
	}
	return Stats{
		Levels:        levels,
		HitRate:       hitRate,
		Invalidations: atomic.LoadUint64(&c.invalidations),
		Propagated:    atomic.LoadUint64(&c.propagated),
	}
}

func (c *Coordinator) store(level memory.Level) (*levelStore, error) {
	if level < memory.ShortTerm || level > memory.LongTerm {
		return nil, fmt.Errorf("unknown memory level %d", int(level))
	}
	return c.stores[level], nil
}

func (c *Coordinator) observe(hit bool) {
	v := 0.0
	if hit {
		v = 1.0
	}
	c.emaMu.Lock()
	c.hitRateEMA = (1-hitRateAlpha)*c.hitRateEMA + hitRateAlpha*v
	c.emaMu.Unlock()
}

func (c *Coordinator) enqueue(ev InvalidationEvent) {
	c.eventMu.Lock()
	c.pending = append(c.pending, ev)
	c.eventMu.Unlock()
}

// drainEvents applies every queued invalidation to the two levels that did
// not originate it. Draining does not enqueue further events, so a single
// call is bounded. A concurrent Get on another level may observe
// pre-propagation state; that read skew is accepted.
func (c *Coordinator) drainEvents() {
	c.eventMu.Lock()
	events := c.pending
	c.pending = nil
	c.eventMu.Unlock()

	for _, ev := range events {
		for _, l := range memory.Levels() {
			if l == ev.Level {
				continue
			}
			for _, key := range ev.AffectedKeys {
				if c.stores[l].remove(key) {
					atomic.AddUint64(&c.propagated, 1)
				}
			}
		}
	}
}
