package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		ShortTerm:           config.LevelConfig{TTL: 5 * time.Minute, MaxBytes: 1 << 20},
		MidTerm:             config.LevelConfig{TTL: 30 * time.Minute, MaxBytes: 4 << 20},
		LongTerm:            config.LevelConfig{TTL: 2 * time.Hour, MaxBytes: 16 << 20},
		SweepInterval:       10 * time.Minute,
		PrefetchAhead:       3,
		PrefetchConcurrency: 2,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New(testConfig(), nil)
	c.now = clock.Now
	return c, clock
}

func TestCoordinateAndGet(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "worldSettings", "the world", memory.LongTerm))

	v, ok := c.Get("worldSettings", memory.LongTerm)
	require.True(t, ok)
	assert.Equal(t, "the world", v)

	_, ok = c.Get("worldSettings", memory.ShortTerm)
	assert.False(t, ok, "write at long term must not create short-term copies")

	_, ok = c.Get("missing", memory.LongTerm)
	assert.False(t, ok)
}

func TestCoordinateRejectsCancelledContext(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Coordinate(ctx, "worldSettings", "w", memory.LongTerm)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTTLExpiry(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "chapter_3", "text", memory.ShortTerm))

	t.Run("visible before expiry", func(t *testing.T) {
		clock.Advance(4 * time.Minute)
		_, ok := c.Get("chapter_3", memory.ShortTerm)
		assert.True(t, ok)
	})

	t.Run("gone after expiry", func(t *testing.T) {
		// Short-term TTL is 5 minutes; the hit above did not extend it.
		clock.Advance(2 * time.Minute)
		_, ok := c.Get("chapter_3", memory.ShortTerm)
		assert.False(t, ok)

		stats := c.Statistics().Levels[memory.ShortTerm.String()]
		assert.Equal(t, uint64(1), stats.Expired)
		assert.Zero(t, stats.Entries, "expired entry must be removed, not just hidden")
	})
}

func TestDownwardPropagation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	// The key exists at short term with stale data, then gets rewritten at
	// the authoritative level.
	require.NoError(t, c.Coordinate(ctx, "worldSettings", "old", memory.ShortTerm))
	require.NoError(t, c.Coordinate(ctx, "worldSettings", "new", memory.LongTerm))

	v, ok := c.Get("worldSettings", memory.ShortTerm)
	require.True(t, ok)
	assert.Equal(t, "new", v, "cheaper-level copy must be overwritten in place")

	v, ok = c.Get("worldSettings", memory.LongTerm)
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestUpwardDependencyInvalidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	// character_* entries depend on worldSettings.
	require.NoError(t, c.Coordinate(ctx, "character_Eldra", "derived", memory.MidTerm))
	require.NoError(t, c.Coordinate(ctx, "character_Corvan", "derived", memory.LongTerm))

	// Writing worldSettings at a cheaper level stales the dependents above.
	require.NoError(t, c.Coordinate(ctx, "worldSettings", "changed", memory.ShortTerm))

	_, ok := c.Get("character_Eldra", memory.MidTerm)
	assert.False(t, ok, "dependent must be invalidated, not refreshed")
	_, ok = c.Get("character_Corvan", memory.LongTerm)
	assert.False(t, ok)

	_, ok = c.Get("worldSettings", memory.ShortTerm)
	assert.True(t, ok, "the triggering write itself must survive")
}

func TestInvalidateCrossLevel(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "keyEvents", "events", memory.ShortTerm))
	require.NoError(t, c.Coordinate(ctx, "keyEvents", "events", memory.MidTerm))
	// foreshadowing entries depend on keyEvents.
	require.NoError(t, c.Coordinate(ctx, "foreshadowing_unresolved", "hints", memory.MidTerm))

	removed := c.Invalidate("keyEvents", memory.MidTerm, "test")
	assert.Equal(t, 2, removed, "key plus its same-level dependent")

	_, ok := c.Get("keyEvents", memory.ShortTerm)
	assert.False(t, ok, "removal must propagate to the other levels")
	_, ok = c.Get("foreshadowing_unresolved", memory.MidTerm)
	assert.False(t, ok)

	assert.Equal(t, uint64(1), c.Statistics().Invalidations)
}

func TestInvalidateAbsentKeyStillPropagates(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "arc_2", "summary", memory.MidTerm))

	// The key is absent at short term but present at mid term.
	removed := c.Invalidate("arc_2", memory.ShortTerm, "test")
	assert.Zero(t, removed, "nothing held at the named level")

	_, ok := c.Get("arc_2", memory.MidTerm)
	assert.False(t, ok, "other levels must still drop their copies")
}

func TestGlobDependencyMatching(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	// arc entries depend on chapter_* as a glob.
	require.NoError(t, c.Coordinate(ctx, "arc_2", "summary", memory.MidTerm))
	require.NoError(t, c.Coordinate(ctx, "chapter_11", "text", memory.ShortTerm))

	_, ok := c.Get("arc_2", memory.MidTerm)
	assert.False(t, ok, "glob dependency chapter_* must match chapter_11")
}

func TestLRUEvictionOrder(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	// json.Marshal("aaaaaaaa") is 10 bytes; room for exactly three entries.
	cfg.ShortTerm.MaxBytes = 30
	c := New(cfg, nil)
	c.now = clock.Now
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "a", strings.Repeat("a", 8), memory.ShortTerm))
	clock.Advance(time.Second)
	require.NoError(t, c.Coordinate(ctx, "b", strings.Repeat("b", 8), memory.ShortTerm))
	clock.Advance(time.Second)
	require.NoError(t, c.Coordinate(ctx, "c", strings.Repeat("c", 8), memory.ShortTerm))

	// Touch "a" so "b" becomes least recently used.
	clock.Advance(time.Second)
	_, ok := c.Get("a", memory.ShortTerm)
	require.True(t, ok)

	clock.Advance(time.Second)
	require.NoError(t, c.Coordinate(ctx, "d", strings.Repeat("d", 8), memory.ShortTerm))

	_, ok = c.Get("b", memory.ShortTerm)
	assert.False(t, ok, "least recently used entry must be evicted first")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key, memory.ShortTerm)
		assert.True(t, ok, "key %s must survive", key)
	}
	assert.Equal(t, uint64(1), c.Statistics().Levels[memory.ShortTerm.String()].Evictions)
}

func TestOversizedEntryRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ShortTerm.MaxBytes = 16
	c := New(cfg, nil)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "small", "ok", memory.ShortTerm))
	err := c.Coordinate(ctx, "big", strings.Repeat("x", 64), memory.ShortTerm)
	require.Error(t, err)

	_, ok := c.Get("small", memory.ShortTerm)
	assert.True(t, ok, "a rejected write must not evict anything")
}

func TestContainsDoesNotCountHitOrMiss(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "worldSettings", "w", memory.LongTerm))
	assert.True(t, c.Contains("worldSettings", memory.LongTerm))
	assert.False(t, c.Contains("missing", memory.LongTerm))

	stats := c.Statistics().Levels[memory.LongTerm.String()]
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "chapter_1", "a", memory.ShortTerm))
	require.NoError(t, c.Coordinate(ctx, "worldSettings", "w", memory.LongTerm))

	clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, c.Sweep(), "only the short-term entry is past its TTL")

	_, ok := c.Get("worldSettings", memory.LongTerm)
	assert.True(t, ok)
}

func TestHitRateEMA(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Coordinate(ctx, "worldSettings", "w", memory.LongTerm))

	// EMA starts at 1.0; one miss with alpha 0.2 lands on 0.8.
	c.Get("missing", memory.LongTerm)
	assert.InDelta(t, 0.8, c.Statistics().HitRate, 1e-9)

	// A hit pulls it back toward 1: 0.8*0.8 + 0.2*1 = 0.84.
	c.Get("worldSettings", memory.LongTerm)
	assert.InDelta(t, 0.84, c.Statistics().HitRate, 1e-9)
}

func TestUpdateConfigAffectsSubsequentWrites(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Coordinate(ctx, "before", "v", memory.ShortTerm))

	cfg := testConfig()
	cfg.ShortTerm.TTL = time.Hour
	c.UpdateConfig(cfg)
	require.NoError(t, c.Coordinate(ctx, "after", "v", memory.ShortTerm))

	clock.Advance(10 * time.Minute)
	_, ok := c.Get("before", memory.ShortTerm)
	assert.False(t, ok, "in-flight entries keep their old expiry")
	_, ok = c.Get("after", memory.ShortTerm)
	assert.True(t, ok)
}

// stubPrefetchSource serves canned prefetch data.
type stubPrefetchSource struct {
	chapters  map[int]string
	failWorld bool
}

func (s *stubPrefetchSource) WorldSettings(context.Context) (any, error) {
	if s.failWorld {
		return nil, errors.New("world source down")
	}
	return "the world", nil
}

func (s *stubPrefetchSource) MainCharacters(context.Context) ([]string, error) {
	return []string{"Eldra"}, nil
}

func (s *stubPrefetchSource) CharacterInfo(_ context.Context, name string) (any, error) {
	return "about " + name, nil
}

func (s *stubPrefetchSource) ChapterMemories(_ context.Context, chapter int) (any, error) {
	text, ok := s.chapters[chapter]
	if !ok {
		return nil, nil
	}
	return text, nil
}

func (s *stubPrefetchSource) UnresolvedForeshadowing(context.Context) (any, error) {
	return "cold sigil", nil
}

func TestPredictiveCache(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	src := &stubPrefetchSource{chapters: map[int]string{13: "ch13", 14: "ch14"}}
	c.SetPrefetchSource(src)

	// worldSettings is already warm and must be skipped.
	require.NoError(t, c.Coordinate(ctx, "worldSettings", "cached", memory.LongTerm))

	res, err := c.PredictiveCache(ctx, 13, nil)
	require.NoError(t, err)

	// Planned: worldSettings, character_Eldra, chapters 13..15, foreshadowing.
	assert.Equal(t, 6, res.Planned)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed, "chapter 15 does not exist yet")
	assert.Equal(t, 4, res.Fetched)

	_, ok := c.Get("character_Eldra", memory.LongTerm)
	assert.True(t, ok)
	_, ok = c.Get("chapter_13", memory.ShortTerm)
	assert.True(t, ok)
	_, ok = c.Get("foreshadowing_unresolved", memory.MidTerm)
	assert.True(t, ok)

	v, ok := c.Get("worldSettings", memory.LongTerm)
	require.True(t, ok)
	assert.Equal(t, "cached", v, "already-warm key must not be refetched")
}

func TestPredictiveCacheToleratesSourceFailures(t *testing.T) {
	c, _ := newTestCoordinator(t)
	src := &stubPrefetchSource{failWorld: true, chapters: map[int]string{13: "ch13"}}
	c.SetPrefetchSource(src)

	res, err := c.PredictiveCache(context.Background(), 13, &PrefetchConfig{Ahead: 1})
	require.NoError(t, err, "individual fetch failures must not fail the run")
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Fetched)
}

func TestPredictiveCacheWithoutSource(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.PredictiveCache(context.Background(), 1, nil)
	assert.Error(t, err)
}

func TestInferDependencies(t *testing.T) {
	tests := []struct {
		key  string
		want []string
	}{
		{"character_Eldra", []string{"worldSettings"}},
		{"chapter_5", []string{"chapter_4"}},
		{"chapter_1", nil},
		{"foreshadowing_unresolved", []string{"keyEvents"}},
		{"arc_2", []string{"chapter_*"}},
		{"worldSettings", nil},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, InferDependencies(tt.key))
		})
	}
}

func TestStartStopSweepLoop(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	c := New(cfg, nil)

	c.Start()
	c.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}
