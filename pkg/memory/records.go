package memory

import "time"

// Chapter is one generated chapter held by the short-term tier.
type Chapter struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChapterSummary is the mid-term condensation of one chapter.
type ChapterSummary struct {
	Chapter   int      `json:"chapter"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// ArcSummary is the mid-term memory of one story arc.
type ArcSummary struct {
	Arc      int    `json:"arc"`
	Theme    string `json:"theme"`
	Summary  string `json:"summary"`
	Chapters []int  `json:"chapters,omitempty"`
}

// NarrativeState is the mid-term snapshot of where the story stands.
type NarrativeState struct {
	CurrentChapter int      `json:"current_chapter"`
	CurrentArc     int      `json:"current_arc"`
	Tension        float64  `json:"tension"`
	OpenThreads    []string `json:"open_threads,omitempty"`
}

// KeyEvent is a plot-significant event tracked by the mid-term tier.
type KeyEvent struct {
	ID           string  `json:"id"`
	Chapter      int     `json:"chapter"`
	Description  string  `json:"description"`
	Significance float64 `json:"significance"`
}

// WorldSettings is the canonical description of the story world. Several
// subsystems hold their own copy; the resolver reconciles them.
type WorldSettings struct {
	Description  string   `json:"description"`
	Genre        string   `json:"genre"`
	Era          string   `json:"era,omitempty"`
	KeyLocations []string `json:"key_locations,omitempty"`
	MagicSystems []string `json:"magic_systems,omitempty"`
	Factions     []string `json:"factions,omitempty"`
}

// Character is one character record as held by a single provider. The
// consolidated form lives in the resolve package.
type Character struct {
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Personality     string   `json:"personality,omitempty"`
	Traits          []string `json:"traits,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	FirstAppearance int      `json:"first_appearance,omitempty"`
}

// Foreshadowing is a planted-but-unresolved hint tracked long term.
type Foreshadowing struct {
	ID       string `json:"id"`
	Chapter  int    `json:"chapter"`
	Hint     string `json:"hint"`
	Resolved bool   `json:"resolved"`
}

// EstablishedEvent is a long-term fact the narrative must not contradict.
type EstablishedEvent struct {
	ID          string   `json:"id"`
	Chapter     int      `json:"chapter"`
	Description string   `json:"description"`
	Entities    []string `json:"entities,omitempty"`
}
