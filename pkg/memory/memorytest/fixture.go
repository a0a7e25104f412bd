package memorytest

import (
	"time"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// SampleTiers returns fully populated stub tiers describing one small
// fantasy novel in progress. The long-term tier and the world-knowledge
// store deliberately disagree about the world description and about the
// character Eldra, so consolidation tests have real conflicts to resolve.
func SampleTiers() memory.Tiers {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	short := &ShortTerm{
		Chapters: []memory.Chapter{
			{Number: 10, Title: "The Ash Road", Content: "Eldra crossed the ash plains toward Varenhold, the sigil burning colder with every step.", CreatedAt: base},
			{Number: 11, Title: "Gates of Varenhold", Content: "The gate wardens of Varenhold demanded the sigil. Eldra refused, and the bells began to ring.", CreatedAt: base.Add(time.Hour)},
			{Number: 12, Title: "The Bellkeeper", Content: "In the bell tower Eldra met Corvan, keeper of the old pact, who named the sigil for what it was.", CreatedAt: base.Add(2 * time.Hour)},
		},
	}

	mid := &MidTerm{
		Summaries: []memory.ChapterSummary{
			{Chapter: 7, Summary: "Eldra leaves the river villages after the first sigil dream.", KeyPoints: []string{"sigil dream", "river villages"}},
			{Chapter: 8, Summary: "The ferry crossing; Eldra learns the plains were burned on purpose.", KeyPoints: []string{"ferry", "burned plains"}},
			{Chapter: 9, Summary: "First sight of Varenhold; the bells are silent.", KeyPoints: []string{"Varenhold", "silent bells"}},
		},
		Arcs: []memory.ArcSummary{
			{Arc: 2, Theme: "the road to Varenhold", Summary: "Eldra travels the burned plains and reaches the sealed city.", Chapters: []int{7, 8, 9, 10, 11}},
		},
		State: &memory.NarrativeState{
			CurrentChapter: 12,
			CurrentArc:     2,
			Tension:        0.7,
			OpenThreads:    []string{"meaning of the sigil", "Corvan's pact"},
		},
		Events: []memory.KeyEvent{
			{ID: "ev-sigil-dream", Chapter: 7, Description: "Eldra dreams of the sigil for the first time", Significance: 0.8},
			{ID: "ev-bells-ring", Chapter: 11, Description: "The bells of Varenhold ring for the first time in a generation", Significance: 0.9},
		},
	}

	long := &LongTerm{
		World: &memory.WorldSettings{
			Description:  "A continent of walled city-states recovering from the Sundering, where old pacts are kept alive by bell towers.",
			Genre:        "fantasy",
			Era:          "post-Sundering",
			KeyLocations: []string{"Varenhold", "the ash plains"},
			MagicSystems: []string{"sigil-binding"},
			Factions:     []string{"gate wardens"},
		},
		Characters: []memory.Character{
			{ID: "ch-eldra", Name: "Eldra", Description: "A courier from the river villages who carries a sigil she cannot read.", Personality: "wary, stubborn", Traits: []string{"observant"}, Skills: []string{"riding"}, FirstAppearance: 1},
			{ID: "ch-corvan", Name: "Corvan", Description: "Keeper of the Varenhold bell tower.", Personality: "guarded", FirstAppearance: 12},
		},
		Foreshadowing: []memory.Foreshadowing{
			{ID: "fs-cold-sigil", Chapter: 10, Hint: "The sigil burns colder the nearer Eldra comes to Varenhold.", Resolved: false},
			{ID: "fs-river-debt", Chapter: 3, Hint: "The ferryman says the river villages owe Varenhold a debt.", Resolved: true},
		},
		Events: []memory.EstablishedEvent{
			{ID: "est-sundering", Chapter: 1, Description: "The Sundering broke the old kingdoms into city-states.", Entities: []string{"Varenhold"}},
		},
	}

	world := &WorldKnowledge{
		World: &memory.WorldSettings{
			Description:  "Walled city-states after the Sundering.",
			Genre:        "fantasy",
			KeyLocations: []string{"Varenhold", "the river villages"},
			Factions:     []string{"gate wardens", "bellkeepers"},
		},
		Characters: []memory.Character{
			{Name: "Eldra", Description: "A courier.", Traits: []string{"observant", "left-handed"}, FirstAppearance: 2},
		},
		Events: []memory.EstablishedEvent{
			{ID: "est-sundering", Chapter: 1, Description: "The Sundering broke the old kingdoms into city-states.", Entities: []string{"Varenhold"}},
		},
	}

	return memory.Tiers{
		ShortTerm:      short,
		MidTerm:        mid,
		LongTerm:       long,
		WorldKnowledge: world,
	}
}
