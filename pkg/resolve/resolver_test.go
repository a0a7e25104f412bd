package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/memory/memorytest"
)

type resolverClock struct {
	mu sync.Mutex
	t  time.Time
}

func newResolverClock() *resolverClock {
	return &resolverClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *resolverClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *resolverClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestResolver(t *testing.T, tiers memory.Tiers) (*Resolver, *resolverClock) {
	t.Helper()
	clock := newResolverClock()
	r := New(config.ResolverConfig{
		WorldSettingsTTL: 30 * time.Minute,
		CharacterTTL:     15 * time.Minute,
		ResultCacheTTL:   5 * time.Minute,
		ResultCacheSize:  32,
		SearchLimit:      10,
	}, tiers, nil)
	r.now = clock.Now
	return r, clock
}

func worldProvider(name string, primary bool, ws *memory.WorldSettings) WorldSettingsProvider {
	return WorldSettingsProvider{
		Name:    name,
		Primary: primary,
		Fetch: func(context.Context) (*memory.WorldSettings, error) {
			return ws, nil
		},
	}
}

func TestConsolidateWorldSettingsPrimaryWins(t *testing.T) {
	r, _ := newTestResolver(t, memory.Tiers{})
	r.RegisterWorldProvider(worldProvider("long_term", true, &memory.WorldSettings{
		Description: "short",
		Genre:       "fantasy",
	}))
	r.RegisterWorldProvider(worldProvider("world_knowledge", false, &memory.WorldSettings{
		Description: "a much longer competing description",
		Genre:       "fantasy",
	}))

	ws, err := r.ConsolidateWorldSettings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "short", ws.Description, "primary source beats the longer value")
	assert.Equal(t, []string{"long_term", "world_knowledge"}, ws.Sources)

	require.Len(t, ws.ConflictsResolved, 1)
	c := ws.ConflictsResolved[0]
	assert.Equal(t, "description", c.Field)
	assert.Equal(t, "short", c.Chosen)
	assert.Equal(t, "primary source long_term", c.Reason)
	assert.Len(t, c.Values, 2)
}

func TestConsolidateWorldSettingsLongestWinsWithoutPrimary(t *testing.T) {
	r, _ := newTestResolver(t, memory.Tiers{})
	r.RegisterWorldProvider(worldProvider("a", false, &memory.WorldSettings{Description: "brief"}))
	r.RegisterWorldProvider(worldProvider("b", false, &memory.WorldSettings{Description: "the far more detailed version"}))

	ws, err := r.ConsolidateWorldSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "the far more detailed version", ws.Description)
	require.Len(t, ws.ConflictsResolved, 1)
	assert.Equal(t, "longest value", ws.ConflictsResolved[0].Reason)
}

func TestConsolidateWorldSettingsArrayUnion(t *testing.T) {
	r, _ := newTestResolver(t, memory.Tiers{})
	r.RegisterWorldProvider(worldProvider("a", false, &memory.WorldSettings{
		Description:  "w",
		KeyLocations: []string{"Varenhold", "the ash plains"},
	}))
	r.RegisterWorldProvider(worldProvider("b", false, &memory.WorldSettings{
		Description:  "w",
		KeyLocations: []string{"Varenhold", "the river villages"},
	}))

	ws, err := r.ConsolidateWorldSettings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Varenhold", "the ash plains", "the river villages"}, ws.KeyLocations,
		"union keeps first-seen order")
	require.Len(t, ws.ConflictsResolved, 1, "only the dropped duplicate is a conflict")
	assert.Equal(t, "keyLocations", ws.ConflictsResolved[0].Field)
	assert.Equal(t, "duplicates removed", ws.ConflictsResolved[0].Reason)
}

func TestConsolidateWorldSettingsFallback(t *testing.T) {
	r, _ := newTestResolver(t, memory.Tiers{})
	r.RegisterWorldProvider(WorldSettingsProvider{
		Name: "down",
		Fetch: func(context.Context) (*memory.WorldSettings, error) {
			return nil, errors.New("connection refused")
		},
	})

	ws, err := r.ConsolidateWorldSettings(context.Background())
	require.NoError(t, err, "absent providers are not an error")
	assert.Equal(t, []string{"fallback"}, ws.Sources)
	assert.Equal(t, "A story world", ws.Description)
	assert.Equal(t, "fantasy", ws.Genre)
	assert.Empty(t, ws.ConflictsResolved)
	assert.Equal(t, uint64(1), r.Statistics().Fallbacks)
}

func TestConsolidateWorldSettingsCachedWhileValid(t *testing.T) {
	r, clock := newTestResolver(t, memory.Tiers{})
	var fetches int
	var mu sync.Mutex
	r.RegisterWorldProvider(WorldSettingsProvider{
		Name: "counted",
		Fetch: func(context.Context) (*memory.WorldSettings, error) {
			mu.Lock()
			fetches++
			mu.Unlock()
			return &memory.WorldSettings{Description: "w"}, nil
		},
	})

	ctx := context.Background()
	_, err := r.ConsolidateWorldSettings(ctx)
	require.NoError(t, err)
	_, err = r.ConsolidateWorldSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "second call within TTL must serve the cache")

	clock.Advance(31 * time.Minute)
	_, err = r.ConsolidateWorldSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches, "expired cache must trigger a re-consolidation")
}

func TestConsolidateCharacter(t *testing.T) {
	tiers := memorytest.SampleTiers()
	r, _ := newTestResolver(t, tiers)
	r.RegisterCharacterProvider(CharacterProvider{
		Name: "long_term", Primary: true, Fetch: tiers.LongTerm.CharacterByName,
	})
	r.RegisterCharacterProvider(CharacterProvider{
		Name: "world_knowledge", Fetch: tiers.WorldKnowledge.CharacterByName,
	})

	ch, err := r.ConsolidateCharacter(context.Background(), "Eldra")
	require.NoError(t, err)

	assert.Equal(t, "Eldra", ch.Name)
	// Both providers describe Eldra differently; the primary wins.
	assert.Equal(t, "A courier from the river villages who carries a sigil she cannot read.", ch.Description)
	assert.Equal(t, []string{"long_term", "world_knowledge"}, ch.Sources)
	assert.Equal(t, 1, ch.FirstAppearance, "earliest first appearance wins")
	assert.Contains(t, ch.Traits, "observant")
	assert.Contains(t, ch.Traits, "left-handed")

	var descConflict bool
	for _, c := range ch.ConflictsResolved {
		if c.Field == "description" {
			descConflict = true
			assert.Equal(t, "primary source long_term", c.Reason)
		}
	}
	assert.True(t, descConflict, "the description disagreement must be audited")
}

func TestConsolidateCharacterFallback(t *testing.T) {
	r, _ := newTestResolver(t, memory.Tiers{})

	ch, err := r.ConsolidateCharacter(context.Background(), "Nobody")
	require.NoError(t, err)
	assert.Equal(t, "Nobody", ch.Name)
	assert.Equal(t, []string{"fallback"}, ch.Sources)
	assert.Equal(t, "A character in the story", ch.Description)
}

func TestConsolidateCharacterRequiresTarget(t *testing.T) {
	r, _ := newTestResolver(t, memory.Tiers{})
	_, err := r.ConsolidateCharacter(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrMissingTarget)
}

func TestUnifiedAccessDispatch(t *testing.T) {
	tiers := memorytest.SampleTiers()
	r, _ := newTestResolver(t, tiers)
	ctx := context.Background()

	t.Run("unsupported type", func(t *testing.T) {
		_, err := r.UnifiedAccess(ctx, memory.Query{Type: "bogus"})
		assert.ErrorIs(t, err, ErrUnsupportedQueryType)
	})

	t.Run("missing target", func(t *testing.T) {
		_, err := r.UnifiedAccess(ctx, memory.Query{Type: memory.QueryCharacterInfo})
		assert.ErrorIs(t, err, ErrMissingTarget)
	})

	t.Run("chapter by number from short term", func(t *testing.T) {
		res, err := r.UnifiedAccess(ctx, memory.Query{
			Type:       memory.QueryChapterMemories,
			Parameters: map[string]any{"chapter": 11},
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, memory.SourceShortTerm, res.Source)
		ch, ok := res.Data.(*memory.Chapter)
		require.True(t, ok)
		assert.Equal(t, "Gates of Varenhold", ch.Title)
	})

	t.Run("condensed chapter falls back to summaries", func(t *testing.T) {
		res, err := r.UnifiedAccess(ctx, memory.Query{
			Type:       memory.QueryChapterMemories,
			Parameters: map[string]any{"chapter": 8},
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, memory.SourceMidTerm, res.Source)
	})

	t.Run("arc memory", func(t *testing.T) {
		res, err := r.UnifiedAccess(ctx, memory.Query{
			Type:       memory.QueryArcMemory,
			Parameters: map[string]any{"arcNumber": 2},
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		arc, ok := res.Data.(*memory.ArcSummary)
		require.True(t, ok)
		assert.Equal(t, "the road to Varenhold", arc.Theme)
	})

	t.Run("key events from mid term", func(t *testing.T) {
		res, err := r.UnifiedAccess(ctx, memory.Query{Type: memory.QueryKeyEvents})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, memory.SourceMidTerm, res.Source)
	})
}

func TestUnifiedAccessResultCache(t *testing.T) {
	tiers := memorytest.SampleTiers()
	r, _ := newTestResolver(t, tiers)
	ctx := context.Background()
	q := memory.Query{Type: memory.QueryKeyEvents}

	first, err := r.UnifiedAccess(ctx, q)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := r.UnifiedAccess(ctx, q)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)

	t.Run("force refresh bypasses the cache", func(t *testing.T) {
		fresh, err := r.UnifiedAccess(ctx, memory.Query{
			Type:    memory.QueryKeyEvents,
			Options: memory.QueryOptions{UseCache: true, ForceRefresh: true},
		})
		require.NoError(t, err)
		assert.False(t, fresh.Metadata.CacheHit)
	})
}

func TestUnifiedAccessDegradesOnTierFailure(t *testing.T) {
	tiers := memory.Tiers{
		MidTerm: &memorytest.MidTerm{Err: errors.New("tier down")},
	}
	r, _ := newTestResolver(t, tiers)

	res, err := r.UnifiedAccess(context.Background(), memory.Query{
		Type:       memory.QueryArcMemory,
		Parameters: map[string]any{"arcNumber": 2},
	})
	require.NoError(t, err, "tier failures degrade, they do not propagate")
	assert.False(t, res.Success)
}

func TestSearch(t *testing.T) {
	tiers := memorytest.SampleTiers()
	r, _ := newTestResolver(t, tiers)
	ctx := context.Background()

	res, err := r.UnifiedAccess(ctx, memory.Query{
		Type:   memory.QuerySearch,
		Target: "Varenhold bells",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	hits, ok := res.Data.([]SearchHit)
	require.True(t, ok)
	require.NotEmpty(t, hits)

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score, "hits must be sorted by score")
	}

	t.Run("limit respected", func(t *testing.T) {
		res, err := r.UnifiedAccess(ctx, memory.Query{
			Type:       memory.QuerySearch,
			Target:     "Varenhold",
			Parameters: map[string]any{"limit": 2},
			Options:    memory.QueryOptions{UseCache: false},
		})
		require.NoError(t, err)
		hits := res.Data.([]SearchHit)
		assert.LessOrEqual(t, len(hits), 2)
	})

	t.Run("scope restricts tiers", func(t *testing.T) {
		res, err := r.UnifiedAccess(ctx, memory.Query{
			Type:       memory.QuerySearch,
			Target:     "Varenhold",
			Parameters: map[string]any{"scope": "long_term"},
			Options:    memory.QueryOptions{UseCache: false},
		})
		require.NoError(t, err)
		for _, h := range res.Data.([]SearchHit) {
			assert.Equal(t, memory.SourceLongTerm, h.Source)
		}
	})

	t.Run("missing keywords", func(t *testing.T) {
		_, err := r.UnifiedAccess(ctx, memory.Query{Type: memory.QuerySearch})
		assert.ErrorIs(t, err, ErrMissingTarget)
	})
}

func TestSearchWeighting(t *testing.T) {
	// The same text in short-term and long-term records must rank the
	// short-term hit first.
	tiers := memory.Tiers{
		ShortTerm: &memorytest.ShortTerm{Chapters: []memory.Chapter{
			{Number: 1, Title: "sigil", Content: "the sigil burns"},
		}},
		LongTerm: &memorytest.LongTerm{Events: []memory.EstablishedEvent{
			{ID: "e1", Description: "the sigil burns"},
		}},
	}
	r, _ := newTestResolver(t, tiers)

	res, err := r.UnifiedAccess(context.Background(), memory.Query{
		Type:   memory.QuerySearch,
		Target: "sigil burns",
	})
	require.NoError(t, err)
	hits := res.Data.([]SearchHit)
	require.Len(t, hits, 2)
	assert.Equal(t, memory.SourceShortTerm, hits[0].Source)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-9)
}
