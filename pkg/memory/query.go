package memory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// QueryType selects which handler serves a unified memory query.
//
// The six shapes cover everything the generation pipeline asks of the
// memory layer. Adding a shape means adding a dispatch handler in the
// resolver; an unknown shape is a caller error, not a degraded result.
type QueryType string

const (
	// QueryWorldSettings fetches the consolidated world settings record.
	QueryWorldSettings QueryType = "worldSettings"

	// QueryCharacterInfo fetches one consolidated character by Target
	// (name or id).
	QueryCharacterInfo QueryType = "characterInfo"

	// QueryChapterMemories fetches recent chapters, or one chapter when
	// the "chapter" parameter is set. Prefers short-term, falls back to
	// mid-term summaries.
	QueryChapterMemories QueryType = "chapterMemories"

	// QueryArcMemory fetches one story arc's memory by the "arcNumber"
	// parameter (or numeric Target).
	QueryArcMemory QueryType = "arcMemory"

	// QueryKeyEvents fetches key narrative events. Prefers mid-term,
	// falls back to long-term established events.
	QueryKeyEvents QueryType = "keyEvents"

	// QuerySearch performs token-overlap relevance search across tiers.
	// Target (or the "keywords" parameter) holds the search text.
	QuerySearch QueryType = "search"
)

// QueryOptions tune how a single query is served.
type QueryOptions struct {
	// UseCache allows serving from the resolver's short-lived result
	// cache. Disabled means a fresh dispatch every time.
	UseCache bool

	// ForceRefresh bypasses the result cache for this call but still
	// stores the fresh result for followers.
	ForceRefresh bool

	// IncludeMetadata asks handlers to attach per-record provenance
	// where they have it.
	IncludeMetadata bool
}

// DefaultQueryOptions returns the options used when a Query carries the
// zero value: cache allowed, no forced refresh.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{UseCache: true}
}

// Query is an immutable request descriptor.
//
// Example:
//
//	q := memory.Query{
//		Type:       memory.QuerySearch,
//		Target:     "ancient magic Eldra",
//		Parameters: map[string]any{"limit": 5},
//		Options:    memory.DefaultQueryOptions(),
//	}
type Query struct {
	Type       QueryType
	Target     string
	Parameters map[string]any
	Options    QueryOptions
}

// Key renders a stable shape key for the query: same type, target and
// parameters always produce the same key regardless of map order. The key
// identifies the query shape in the access-pattern table and both result
// caches.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(string(q.Type))
	b.WriteByte(':')
	b.WriteString(q.Target)
	b.WriteByte(':')

	if len(q.Parameters) > 0 {
		keys := make([]string, 0, len(q.Parameters))
		for k := range q.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			fmt.Fprintf(&b, "%s=%v", k, q.Parameters[k])
		}
	}
	return b.String()
}

// IntParam reads an integer parameter, tolerating the numeric types that
// survive JSON round-trips.
func (q Query) IntParam(name string) (int, bool) {
	v, ok := q.Parameters[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// StringParam reads a string parameter.
func (q Query) StringParam(name string) (string, bool) {
	v, ok := q.Parameters[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Source names where a result's data came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceShortTerm Source = "short_term"
	SourceMidTerm   Source = "mid_term"
	SourceLongTerm  Source = "long_term"
	SourceUnified   Source = "unified"
)

// ResultMetadata carries per-result bookkeeping used by the optimizer and
// the quality monitor.
type ResultMetadata struct {
	// CacheHit is true when the data came from any cache layer.
	CacheHit bool

	// ProcessingTime is the wall time spent serving this query.
	ProcessingTime time.Duration

	// DataFreshness estimates how fresh the data is, 1.0 = just fetched.
	DataFreshness float64

	// ConflictsResolved counts conflicts the resolver settled while
	// consolidating the data behind this result.
	ConflictsResolved int
}

// Result is the uniform read contract of the memory layer.
//
// Read paths degrade rather than fail: a hiccup in a tier or the cache
// yields Success=false with empty data, never an error that would stall
// the generation pipeline.
type Result struct {
	Success   bool
	Data      any
	Source    Source
	Timestamp time.Time
	Metadata  ResultMetadata
}
