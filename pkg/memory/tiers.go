package memory

import "context"

// TierStatus is the cheap liveness probe every tier exposes. Counts maps
// entity kind to how many records the tier currently holds; a tier that
// reports Initialized=false (or nothing at all) is treated as degraded by
// the quality monitor.
type TierStatus struct {
	Initialized bool           `json:"initialized"`
	Counts      map[string]int `json:"counts,omitempty"`
}

// ShortTermSource is the read-only view of the short-term memory tier.
// Lorekeep never writes through these interfaces.
type ShortTermSource interface {
	// RecentChapters returns up to limit most recent chapters, newest last.
	RecentChapters(ctx context.Context, limit int) ([]Chapter, error)

	// ChapterByNumber returns one chapter, or nil if it has already been
	// condensed out of short-term memory.
	ChapterByNumber(ctx context.Context, number int) (*Chapter, error)

	Status(ctx context.Context) (TierStatus, error)
}

// MidTermSource is the read-only view of the mid-term memory tier.
type MidTermSource interface {
	// ChapterSummaries returns summaries for the inclusive chapter range.
	ChapterSummaries(ctx context.Context, from, to int) ([]ChapterSummary, error)

	// ArcMemory returns the memory of one story arc, or nil if unknown.
	ArcMemory(ctx context.Context, arc int) (*ArcSummary, error)

	CurrentNarrativeState(ctx context.Context) (*NarrativeState, error)

	KeyEvents(ctx context.Context) ([]KeyEvent, error)

	Status(ctx context.Context) (TierStatus, error)
}

// LongTermSource is the read-only view of the long-term memory tier.
type LongTermSource interface {
	WorldSettings(ctx context.Context) (*WorldSettings, error)

	CharacterByID(ctx context.Context, id string) (*Character, error)

	CharacterByName(ctx context.Context, name string) (*Character, error)

	UnresolvedForeshadowing(ctx context.Context) ([]Foreshadowing, error)

	EstablishedEvents(ctx context.Context) ([]EstablishedEvent, error)

	Status(ctx context.Context) (TierStatus, error)
}

// WorldKnowledgeSource is the read-only view of the world-knowledge store,
// an independent subsystem that keeps its own copies of world facts and
// characters. Its records frequently overlap (and disagree) with the
// long-term tier's, which is exactly what the resolver reconciles.
type WorldKnowledgeSource interface {
	WorldSettings(ctx context.Context) (*WorldSettings, error)

	CharacterByName(ctx context.Context, name string) (*Character, error)

	EstablishedEvents(ctx context.Context) ([]EstablishedEvent, error)

	Status(ctx context.Context) (TierStatus, error)
}

// Tiers bundles the four external tier components the layer is wired over.
// Any field may be nil; dependent operations then degrade per the read
// contract instead of failing.
type Tiers struct {
	ShortTerm      ShortTermSource
	MidTerm        MidTermSource
	LongTerm       LongTermSource
	WorldKnowledge WorldKnowledgeSource
}
