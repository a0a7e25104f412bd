package resolve

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// ConsolidateWorldSettings merges every registered provider's copy of the
// world settings into one canonical record. Results are cached; a cached
// record is returned while now-lastConsolidated < WorldSettingsTTL.
//
// The algorithm, identical in shape for characters:
//
//  1. Query every provider concurrently; a failing or empty provider is
//     recorded absent, non-fatally.
//  2. Zero responders: return the fixed fallback record.
//  3. Scalar fields: disagreements logged as conflicts; primary source
//     wins, else the longest string. Array fields: union with duplicates
//     removed, a conflict logged only when a duplicate was dropped.
//  4. Stamp Sources and LastConsolidated.
func (r *Resolver) ConsolidateWorldSettings(ctx context.Context) (*ConsolidatedWorldSettings, error) {
	r.worldMu.Lock()
	if r.world != nil && r.now().Sub(r.worldFetched) < r.worldTTL() {
		cached := r.world
		r.worldMu.Unlock()
		return cached, nil
	}
	r.worldMu.Unlock()

	r.provMu.RLock()
	providers := make([]WorldSettingsProvider, len(r.worldProviders))
	copy(providers, r.worldProviders)
	r.provMu.RUnlock()

	type fetched struct {
		provider WorldSettingsProvider
		ws       *memory.WorldSettings
	}
	results := make([]fetched, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := p.Fetch(ctx)
			if err != nil || ws == nil {
				if err != nil {
					r.logger.Debug("world provider absent", "provider", p.Name, "err", err)
				}
				return
			}
			results[i] = fetched{provider: p, ws: ws}
		}()
	}
	wg.Wait()

	responders := results[:0:0]
	for _, f := range results {
		if f.ws != nil {
			responders = append(responders, f)
		}
	}

	atomic.AddUint64(&r.consolidations, 1)
	now := r.now()

	if len(responders) == 0 {
		atomic.AddUint64(&r.fallbacks, 1)
		fallback := &ConsolidatedWorldSettings{
			WorldSettings: memory.WorldSettings{
				Description: "A story world",
				Genre:       "fantasy",
			},
			Sources:           []string{"fallback"},
			ConflictsResolved: []Conflict{},
			LastConsolidated:  now,
		}
		r.worldMu.Lock()
		r.world = fallback
		r.worldFetched = now
		r.worldMu.Unlock()
		return fallback, nil
	}

	m := newMerger()
	for _, f := range responders {
		m.addSource(f.provider.Name, f.provider.Primary)
	}

	cons := &ConsolidatedWorldSettings{
		ConflictsResolved: []Conflict{},
		LastConsolidated:  now,
	}
	scalar := func(field string, pick func(*memory.WorldSettings) string) string {
		vals := make([]sourced, 0, len(responders))
		for _, f := range responders {
			vals = append(vals, sourced{source: f.provider.Name, value: pick(f.ws)})
		}
		return m.mergeScalar(field, vals, &cons.ConflictsResolved)
	}
	array := func(field string, pick func(*memory.WorldSettings) []string) []string {
		lists := make([]sourcedList, 0, len(responders))
		for _, f := range responders {
			lists = append(lists, sourcedList{source: f.provider.Name, values: pick(f.ws)})
		}
		return m.mergeArray(field, lists, &cons.ConflictsResolved)
	}

	cons.Description = scalar("description", func(w *memory.WorldSettings) string { return w.Description })
	cons.Genre = scalar("genre", func(w *memory.WorldSettings) string { return w.Genre })
	cons.Era = scalar("era", func(w *memory.WorldSettings) string { return w.Era })
	cons.KeyLocations = array("keyLocations", func(w *memory.WorldSettings) []string { return w.KeyLocations })
	cons.MagicSystems = array("magicSystems", func(w *memory.WorldSettings) []string { return w.MagicSystems })
	cons.Factions = array("factions", func(w *memory.WorldSettings) []string { return w.Factions })
	cons.Sources = m.sources()

	atomic.AddUint64(&r.conflictsTotal, uint64(len(cons.ConflictsResolved)))

	r.worldMu.Lock()
	r.world = cons
	r.worldFetched = now
	r.worldMu.Unlock()
	return cons, nil
}

// ConsolidateCharacter merges every character provider's copy of one
// character (by name or id). Cached per target for CharacterTTL.
func (r *Resolver) ConsolidateCharacter(ctx context.Context, target string) (*ConsolidatedCharacter, error) {
	if normalizeTarget(target) == "" {
		return nil, ErrMissingTarget
	}
	key := normalizeTarget(target)

	r.charMu.Lock()
	if cached, ok := r.chars[key]; ok && r.now().Sub(cached.fetched) < r.characterTTL() {
		r.charMu.Unlock()
		return cached.record, nil
	}
	r.charMu.Unlock()

	r.provMu.RLock()
	providers := make([]CharacterProvider, len(r.charProviders))
	copy(providers, r.charProviders)
	r.provMu.RUnlock()

	type fetched struct {
		provider CharacterProvider
		ch       *memory.Character
	}
	results := make([]fetched, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := p.Fetch(ctx, target)
			if err != nil || ch == nil {
				if err != nil {
					r.logger.Debug("character provider absent", "provider", p.Name, "target", target, "err", err)
				}
				return
			}
			results[i] = fetched{provider: p, ch: ch}
		}()
	}
	wg.Wait()

	responders := results[:0:0]
	for _, f := range results {
		if f.ch != nil {
			responders = append(responders, f)
		}
	}

	atomic.AddUint64(&r.consolidations, 1)
	now := r.now()

	if len(responders) == 0 {
		atomic.AddUint64(&r.fallbacks, 1)
		fallback := &ConsolidatedCharacter{
			Character: memory.Character{
				Name:        target,
				Description: "A character in the story",
			},
			Sources:           []string{"fallback"},
			ConflictsResolved: []Conflict{},
			LastConsolidated:  now,
		}
		r.charMu.Lock()
		r.chars[key] = charCacheEntry{record: fallback, fetched: now}
		r.charMu.Unlock()
		return fallback, nil
	}

	m := newMerger()
	for _, f := range responders {
		m.addSource(f.provider.Name, f.provider.Primary)
	}

	cons := &ConsolidatedCharacter{
		ConflictsResolved: []Conflict{},
		LastConsolidated:  now,
	}
	scalar := func(field string, pick func(*memory.Character) string) string {
		vals := make([]sourced, 0, len(responders))
		for _, f := range responders {
			vals = append(vals, sourced{source: f.provider.Name, value: pick(f.ch)})
		}
		return m.mergeScalar(field, vals, &cons.ConflictsResolved)
	}
	array := func(field string, pick func(*memory.Character) []string) []string {
		lists := make([]sourcedList, 0, len(responders))
		for _, f := range responders {
			lists = append(lists, sourcedList{source: f.provider.Name, values: pick(f.ch)})
		}
		return m.mergeArray(field, lists, &cons.ConflictsResolved)
	}

	cons.ID = scalar("id", func(c *memory.Character) string { return c.ID })
	cons.Name = scalar("name", func(c *memory.Character) string { return c.Name })
	cons.Description = scalar("description", func(c *memory.Character) string { return c.Description })
	cons.Personality = scalar("personality", func(c *memory.Character) string { return c.Personality })
	cons.Traits = array("traits", func(c *memory.Character) []string { return c.Traits })
	cons.Skills = array("skills", func(c *memory.Character) []string { return c.Skills })
	if cons.Name == "" {
		cons.Name = target
	}
	for _, f := range responders {
		if fa := f.ch.FirstAppearance; fa > 0 && (cons.FirstAppearance == 0 || fa < cons.FirstAppearance) {
			cons.FirstAppearance = fa
		}
	}
	cons.Sources = m.sources()

	atomic.AddUint64(&r.conflictsTotal, uint64(len(cons.ConflictsResolved)))

	r.charMu.Lock()
	r.chars[key] = charCacheEntry{record: cons, fetched: now}
	r.charMu.Unlock()
	return cons, nil
}

// merger carries the shared field-merge rules for one consolidation pass.
type merger struct {
	order   []string
	primary string
}

type sourced struct {
	source string
	value  string
}

type sourcedList struct {
	source string
	values []string
}

func newMerger() *merger {
	return &merger{}
}

func (m *merger) addSource(name string, primary bool) {
	m.order = append(m.order, name)
	if primary && m.primary == "" {
		m.primary = name
	}
}

func (m *merger) sources() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// mergeScalar settles one scalar field. Distinct non-empty values beyond
// the first produce exactly one conflict entry; the primary source wins if
// it voted, else the longest string.
func (m *merger) mergeScalar(field string, vals []sourced, conflicts *[]Conflict) string {
	distinct := make([]sourced, 0, len(vals))
	seen := make(map[string]bool, len(vals))
	for _, v := range vals {
		if v.value == "" || seen[v.value] {
			continue
		}
		seen[v.value] = true
		distinct = append(distinct, v)
	}

	switch len(distinct) {
	case 0:
		return ""
	case 1:
		return distinct[0].value
	}

	chosen := ""
	reason := ""
	if m.primary != "" {
		for _, v := range distinct {
			if v.source == m.primary {
				chosen = v.value
				reason = "primary source " + m.primary
				break
			}
		}
	}
	if chosen == "" {
		for _, v := range distinct {
			if len(v.value) > len(chosen) {
				chosen = v.value
			}
		}
		reason = "longest value"
	}

	values := make([]ConflictValue, len(distinct))
	for i, v := range distinct {
		values[i] = ConflictValue{Source: v.source, Value: v.value}
	}
	*conflicts = append(*conflicts, Conflict{
		Field:  field,
		Values: values,
		Chosen: chosen,
		Reason: reason,
	})
	return chosen
}

// mergeArray unions list values preserving first-seen order. A conflict is
// logged only when a duplicate was actually dropped.
func (m *merger) mergeArray(field string, lists []sourcedList, conflicts *[]Conflict) []string {
	var union []string
	seen := make(map[string]string) // value -> first source
	var dropped []ConflictValue
	for _, l := range lists {
		for _, v := range l.values {
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				dropped = append(dropped, ConflictValue{Source: l.source, Value: v})
				continue
			}
			seen[v] = l.source
			union = append(union, v)
		}
	}
	if len(dropped) > 0 {
		*conflicts = append(*conflicts, Conflict{
			Field:  field,
			Values: dropped,
			Chosen: "union",
			Reason: "duplicates removed",
		})
	}
	return union
}
