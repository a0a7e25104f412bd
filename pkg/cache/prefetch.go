package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// PrefetchSource supplies the data predictive caching warms up with. The
// facade adapts the duplicate resolver and the external tiers into this
// interface; the coordinator itself never talks to a tier directly.
type PrefetchSource interface {
	WorldSettings(ctx context.Context) (any, error)
	MainCharacters(ctx context.Context) ([]string, error)
	CharacterInfo(ctx context.Context, name string) (any, error)
	ChapterMemories(ctx context.Context, chapter int) (any, error)
	UnresolvedForeshadowing(ctx context.Context) (any, error)
}

// SetPrefetchSource wires the data source used by PredictiveCache.
func (c *Coordinator) SetPrefetchSource(src PrefetchSource) {
	c.sourceMu.Lock()
	c.source = src
	c.sourceMu.Unlock()
}

// PrefetchConfig tunes one predictive-cache run. Zero values fall back to
// the coordinator configuration.
type PrefetchConfig struct {
	// Ahead is how many chapters past nextChapter to warm.
	Ahead int
	// MainCharacters overrides the character list from the source.
	MainCharacters []string
}

// PrefetchResult summarizes one predictive-cache run.
type PrefetchResult struct {
	Planned int
	Fetched int
	Skipped int
	Failed  int
}

// prefetchTask is one planned warm-up fetch, ordered by entry priority.
type prefetchTask struct {
	key   string
	level memory.Level
	fetch func(ctx context.Context) (any, error)
}

// PredictiveCache warms the caches for an upcoming chapter: main
// characters and world settings at long term, the next chapters at short
// term, unresolved foreshadowing at mid term. Already-cached keys are
// skipped; fetches run concurrently (bounded by PrefetchConcurrency) and
// individual failures are logged and tolerated.
//
// Example:
//
//	res, err := coord.PredictiveCache(ctx, nextChapter, nil)
//	if err != nil {
//		return err
//	}
//	log.Info("prefetch done", "fetched", res.Fetched, "skipped", res.Skipped)
func (c *Coordinator) PredictiveCache(ctx context.Context, nextChapter int, pc *PrefetchConfig) (PrefetchResult, error) {
	c.sourceMu.RLock()
	src := c.source
	c.sourceMu.RUnlock()
	if src == nil {
		return PrefetchResult{}, fmt.Errorf("predictive cache: no prefetch source wired")
	}

	c.cfgMu.RLock()
	ahead := c.cfg.PrefetchAhead
	concurrency := c.cfg.PrefetchConcurrency
	c.cfgMu.RUnlock()
	if pc != nil && pc.Ahead > 0 {
		ahead = pc.Ahead
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	// Priority order: world settings, main characters, upcoming
	// chapters, unresolved foreshadowing.
	tasks := []prefetchTask{{
		key:   "worldSettings",
		level: memory.LongTerm,
		fetch: src.WorldSettings,
	}}

	characters := pc.characters()
	if characters == nil {
		names, err := src.MainCharacters(ctx)
		if err != nil {
			c.logger.Warn("prefetch: main character list unavailable", "err", err)
		}
		characters = names
	}
	for _, name := range characters {
		name := name
		tasks = append(tasks, prefetchTask{
			key:   "character_" + name,
			level: memory.LongTerm,
			fetch: func(ctx context.Context) (any, error) { return src.CharacterInfo(ctx, name) },
		})
	}

	for n := nextChapter; n < nextChapter+ahead; n++ {
		n := n
		tasks = append(tasks, prefetchTask{
			key:   fmt.Sprintf("chapter_%d", n),
			level: memory.ShortTerm,
			fetch: func(ctx context.Context) (any, error) { return src.ChapterMemories(ctx, n) },
		})
	}

	tasks = append(tasks, prefetchTask{
		key:   "foreshadowing_unresolved",
		level: memory.MidTerm,
		fetch: src.UnresolvedForeshadowing,
	})

	res := PrefetchResult{Planned: len(tasks)}
	now := c.now()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)
	for _, task := range tasks {
		if c.stores[task.level].contains(task.key, now) {
			res.Skipped++
			continue
		}
		task := task
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := task.fetch(ctx)
			if err != nil || data == nil {
				if err != nil {
					c.logger.Warn("prefetch fetch failed", "key", task.key, "err", err)
				}
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return
			}
			if err := c.Coordinate(ctx, task.key, data, task.level); err != nil {
				c.logger.Warn("prefetch store failed", "key", task.key, "err", err)
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			res.Fetched++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return res, nil
}

func (pc *PrefetchConfig) characters() []string {
	if pc == nil {
		return nil
	}
	return pc.MainCharacters
}
