package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// Entry is one cached value at one level. Entries are owned exclusively by
// their level's store and mutated in place on access and propagation; they
// are destroyed on TTL expiry, explicit invalidation, or eviction.
//
// Invariant: ExpiresAt is always Timestamp + the level TTL at last write.
type Entry struct {
	Key  string
	Data any

	Level memory.Level

	// Timestamp is the last write time; ExpiresAt = Timestamp + levelTTL.
	Timestamp time.Time
	ExpiresAt time.Time

	AccessCount int64
	LastAccess  time.Time

	// Dependencies are key or glob patterns this entry's correctness
	// depends on. When a matching key is written or invalidated, this
	// entry is invalidated rather than refreshed.
	Dependencies []string

	Metadata EntryMetadata
}

// EntryMetadata carries size and classification data. Priority and Tags
// feed prefetch ordering and statistics; eviction is strict LRU and
// ignores them.
type EntryMetadata struct {
	Size     int
	Priority float64
	Tags     []string
}

// EventType classifies a cache invalidation event.
type EventType string

const (
	EventUpdate           EventType = "UPDATE"
	EventDelete           EventType = "DELETE"
	EventExpire           EventType = "EXPIRE"
	EventDependencyChange EventType = "DEPENDENCY_CHANGE"
)

// InvalidationEvent is an ephemeral record of keys invalidated at one
// level. Events are enqueued during a write or invalidation and drained in
// the same call to propagate removal to the other two levels.
type InvalidationEvent struct {
	ID           string
	Type         EventType
	AffectedKeys []string
	Level        memory.Level
	Timestamp    time.Time
	Reason       string
}

// InferDependencies derives the dependency patterns for a key from its
// naming convention:
//
//   - character_* entries depend on worldSettings
//   - chapter_<n> entries depend on the previous chapter
//   - foreshadowing entries depend on keyEvents
//   - arc entries depend on any chapter (glob)
func InferDependencies(key string) []string {
	switch {
	case strings.HasPrefix(key, "character_"), strings.HasPrefix(key, "characterInfo"):
		return []string{"worldSettings"}
	case strings.HasPrefix(key, "chapter_"):
		if n, err := strconv.Atoi(strings.TrimPrefix(key, "chapter_")); err == nil && n > 1 {
			return []string{fmt.Sprintf("chapter_%d", n-1)}
		}
		return nil
	case strings.HasPrefix(key, "foreshadowing"):
		return []string{"keyEvents"}
	case strings.HasPrefix(key, "arc_"):
		return []string{"chapter_*"}
	default:
		return nil
	}
}

// matchesDependency reports whether a dependency pattern covers a key,
// either exactly or as a glob.
func matchesDependency(dep, key string) bool {
	if dep == key {
		return true
	}
	ok, err := doublestar.Match(dep, key)
	return err == nil && ok
}

// inferPriority classifies a key for prefetch ordering. Higher is warmer.
func inferPriority(key string) float64 {
	switch {
	case strings.HasPrefix(key, "worldSettings"), strings.HasPrefix(key, "character_"):
		return 0.9
	case strings.HasPrefix(key, "keyEvents"), strings.HasPrefix(key, "foreshadowing"):
		return 0.7
	case strings.HasPrefix(key, "arc_"):
		return 0.5
	case strings.HasPrefix(key, "chapter_"):
		return 0.3
	default:
		return 0.5
	}
}

// inferTags derives coarse tags from the key segments.
func inferTags(key string) []string {
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 0 || parts[0] == "" {
		return nil
	}
	return []string{parts[0]}
}

// dataSize estimates an entry's size as its JSON encoding length. Values
// that cannot be encoded get a flat 64-byte estimate.
func dataSize(data any) int {
	b, err := json.Marshal(data)
	if err != nil || len(b) == 0 {
		return 64
	}
	return len(b)
}
