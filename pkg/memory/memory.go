// Package memory defines the shared model for the Lorekeep memory-integration
// layer: memory levels, the query/result envelope, the narrative domain
// records, and the read-only interfaces of the four external memory tiers.
//
// Lorekeep sits between a long-running story-generation pipeline and the tier
// stores that hold its accumulated state (characters, world facts, plot
// threads). Every component in this module speaks the types in this package:
//
//	q := memory.Query{
//		Type:   memory.QueryCharacterInfo,
//		Target: "alice",
//		Options: memory.DefaultQueryOptions(),
//	}
//
//	res, err := integrator.OptimizedAccess(ctx, q)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("served from %s in %v\n", res.Source, res.Metadata.ProcessingTime)
//
// The three memory levels form an ordered hierarchy:
//   - ShortTerm: cheapest access, shortest TTL, lowest authority
//   - MidTerm: summaries and arc state, medium TTL
//   - LongTerm: world settings and characters, longest TTL, highest authority
//
// A logical key may be cached at several levels at once; the cache
// coordinator keeps the copies reconciled.
package memory

import (
	"fmt"
	"strings"
)

// Level identifies one of the three memory tiers, ordered by increasing
// staleness tolerance and authority. ShortTerm is the cheapest to access.
type Level int

const (
	// ShortTerm holds recent chapters and working context. Fast, volatile.
	ShortTerm Level = iota

	// MidTerm holds chapter summaries, arc memory and narrative state.
	MidTerm

	// LongTerm holds world settings, characters and established events.
	// Highest authority, slowest to change.
	LongTerm
)

// Levels returns all levels ordered from ShortTerm to LongTerm.
//
// Iteration order matters in several places: cache-first strategy scans
// levels in this order, and downward propagation walks it in reverse.
func Levels() []Level {
	return []Level{ShortTerm, MidTerm, LongTerm}
}

// String returns the canonical snake_case name of the level.
func (l Level) String() string {
	switch l {
	case ShortTerm:
		return "short_term"
	case MidTerm:
		return "mid_term"
	case LongTerm:
		return "long_term"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Source returns the result Source corresponding to this level.
func (l Level) Source() Source {
	switch l {
	case ShortTerm:
		return SourceShortTerm
	case MidTerm:
		return SourceMidTerm
	case LongTerm:
		return SourceLongTerm
	default:
		return SourceUnified
	}
}

// ParseLevel parses a level name as produced by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short_term", "short":
		return ShortTerm, nil
	case "mid_term", "mid":
		return MidTerm, nil
	case "long_term", "long":
		return LongTerm, nil
	default:
		return ShortTerm, fmt.Errorf("unknown memory level %q", s)
	}
}
