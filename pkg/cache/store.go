package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// levelStore is the byte-bounded LRU store for a single memory level.
//
// Layout follows the usual pairing: hash map for O(1) lookups, doubly
// linked list for LRU ordering (front = most recently used). All methods
// take the lock; no method calls another locked method.
type levelStore struct {
	mu sync.Mutex

	level    memory.Level
	ttl      time.Duration
	maxBytes int

	items     map[string]*list.Element
	lru       *list.List
	usedBytes int

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

func newLevelStore(level memory.Level, ttl time.Duration, maxBytes int) *levelStore {
	return &levelStore{
		level:    level,
		ttl:      ttl,
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// put inserts or replaces an entry, evicting strict-LRU by lastAccess
// until the entry fits. Returns the evicted keys. An entry larger than the
// level capacity is an error: capacity pressure is resolved by eviction,
// but no amount of eviction can make room for it.
func (s *levelStore) put(e *Entry) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Metadata.Size > s.maxBytes {
		return nil, fmt.Errorf("entry %q (%d bytes) exceeds %s capacity (%d bytes)",
			e.Key, e.Metadata.Size, s.level, s.maxBytes)
	}

	if elem, ok := s.items[e.Key]; ok {
		old := elem.Value.(*Entry)
		s.usedBytes -= old.Metadata.Size
		s.lru.Remove(elem)
		delete(s.items, e.Key)
	}

	var evicted []string
	for s.usedBytes+e.Metadata.Size > s.maxBytes {
		back := s.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*Entry)
		s.lru.Remove(back)
		delete(s.items, victim.Key)
		s.usedBytes -= victim.Metadata.Size
		s.evictions++
		evicted = append(evicted, victim.Key)
	}

	elem := s.lru.PushFront(e)
	s.items[e.Key] = elem
	s.usedBytes += e.Metadata.Size
	return evicted, nil
}

// get returns the entry iff present and unexpired, updating access
// bookkeeping on a hit. An expired entry is removed and counted as a miss.
func (s *levelStore) get(key string, now time.Time) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, false
	}
	e := elem.Value.(*Entry)
	if !now.Before(e.ExpiresAt) {
		s.removeElement(elem)
		s.expired++
		s.misses++
		return nil, false
	}

	e.AccessCount++
	e.LastAccess = now
	s.lru.MoveToFront(elem)
	s.hits++
	return e, true
}

// contains reports whether an unexpired entry exists, without touching
// access bookkeeping or the hit/miss counters.
func (s *levelStore) contains(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	return now.Before(elem.Value.(*Entry).ExpiresAt)
}

// overwrite updates an existing unexpired entry in place with new data and
// a fresh write timestamp. Used by downward propagation; a level that does
// not hold the key is left alone.
func (s *levelStore) overwrite(key string, data any, size int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	e := elem.Value.(*Entry)
	if !now.Before(e.ExpiresAt) {
		return false
	}

	s.usedBytes += size - e.Metadata.Size
	e.Data = data
	e.Metadata.Size = size
	e.Timestamp = now
	e.ExpiresAt = now.Add(s.ttl)
	return true
}

// remove deletes the entry if present.
func (s *levelStore) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	s.removeElement(elem)
	return true
}

// removeDependents deletes every entry whose dependency patterns match the
// key, returning the removed keys.
func (s *levelStore) removeDependents(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for elem := s.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*Entry)
		for _, dep := range e.Dependencies {
			if matchesDependency(dep, key) {
				s.removeElement(elem)
				removed = append(removed, e.Key)
				break
			}
		}
		elem = next
	}
	return removed
}

// sweep removes every expired entry, returning how many were dropped.
func (s *levelStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for elem := s.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*Entry)
		if !now.Before(e.ExpiresAt) {
			s.removeElement(elem)
			s.expired++
			dropped++
		}
		elem = next
	}
	return dropped
}

// setLimits updates TTL and capacity. The new TTL applies to subsequent
// writes; existing entries keep their expiry.
func (s *levelStore) setLimits(ttl time.Duration, maxBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	s.maxBytes = maxBytes
}

func (s *levelStore) currentTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// stats snapshots the store counters.
func (s *levelStore) stats() LevelStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LevelStats{
		Entries:   len(s.items),
		UsedBytes: s.usedBytes,
		MaxBytes:  s.maxBytes,
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Expired:   s.expired,
	}
}

// removeElement unlinks an element. Caller must hold the lock.
func (s *levelStore) removeElement(elem *list.Element) {
	e := elem.Value.(*Entry)
	s.lru.Remove(elem)
	delete(s.items, e.Key)
	s.usedBytes -= e.Metadata.Size
}
