// Package memorytest provides in-memory tier stubs for tests. Each stub
// serves fixed data, can fail on demand through Err, and can present
// itself as uninitialized through Uninitialized.
package memorytest

import (
	"context"
	"sort"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// ShortTerm is a stubbed short-term tier.
type ShortTerm struct {
	Chapters      []memory.Chapter
	Err           error
	Uninitialized bool
}

func (s *ShortTerm) RecentChapters(_ context.Context, limit int) ([]memory.Chapter, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	chapters := append([]memory.Chapter(nil), s.Chapters...)
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Number < chapters[j].Number })
	if limit > 0 && len(chapters) > limit {
		chapters = chapters[len(chapters)-limit:]
	}
	return chapters, nil
}

func (s *ShortTerm) ChapterByNumber(_ context.Context, number int) (*memory.Chapter, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	for i := range s.Chapters {
		if s.Chapters[i].Number == number {
			ch := s.Chapters[i]
			return &ch, nil
		}
	}
	return nil, nil
}

func (s *ShortTerm) Status(context.Context) (memory.TierStatus, error) {
	if s.Err != nil {
		return memory.TierStatus{}, s.Err
	}
	return memory.TierStatus{
		Initialized: !s.Uninitialized,
		Counts:      map[string]int{"chapters": len(s.Chapters)},
	}, nil
}

// MidTerm is a stubbed mid-term tier.
type MidTerm struct {
	Summaries     []memory.ChapterSummary
	Arcs          []memory.ArcSummary
	State         *memory.NarrativeState
	Events        []memory.KeyEvent
	Err           error
	Uninitialized bool
}

func (m *MidTerm) ChapterSummaries(_ context.Context, from, to int) ([]memory.ChapterSummary, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	var out []memory.ChapterSummary
	for _, s := range m.Summaries {
		if s.Chapter >= from && s.Chapter <= to {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chapter < out[j].Chapter })
	return out, nil
}

func (m *MidTerm) ArcMemory(_ context.Context, arc int) (*memory.ArcSummary, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	for i := range m.Arcs {
		if m.Arcs[i].Arc == arc {
			a := m.Arcs[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (m *MidTerm) CurrentNarrativeState(context.Context) (*memory.NarrativeState, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.State, nil
}

func (m *MidTerm) KeyEvents(context.Context) ([]memory.KeyEvent, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]memory.KeyEvent(nil), m.Events...), nil
}

func (m *MidTerm) Status(context.Context) (memory.TierStatus, error) {
	if m.Err != nil {
		return memory.TierStatus{}, m.Err
	}
	return memory.TierStatus{
		Initialized: !m.Uninitialized,
		Counts: map[string]int{
			"summaries": len(m.Summaries),
			"arcs":      len(m.Arcs),
			"events":    len(m.Events),
		},
	}, nil
}

// LongTerm is a stubbed long-term tier.
type LongTerm struct {
	World         *memory.WorldSettings
	Characters    []memory.Character
	Foreshadowing []memory.Foreshadowing
	Events        []memory.EstablishedEvent
	Err           error
	Uninitialized bool
}

func (l *LongTerm) WorldSettings(context.Context) (*memory.WorldSettings, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	return l.World, nil
}

func (l *LongTerm) CharacterByID(_ context.Context, id string) (*memory.Character, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	for i := range l.Characters {
		if l.Characters[i].ID == id {
			c := l.Characters[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (l *LongTerm) CharacterByName(_ context.Context, name string) (*memory.Character, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	for i := range l.Characters {
		if l.Characters[i].Name == name {
			c := l.Characters[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (l *LongTerm) UnresolvedForeshadowing(context.Context) ([]memory.Foreshadowing, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	var out []memory.Foreshadowing
	for _, f := range l.Foreshadowing {
		if !f.Resolved {
			out = append(out, f)
		}
	}
	return out, nil
}

func (l *LongTerm) EstablishedEvents(context.Context) ([]memory.EstablishedEvent, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	return append([]memory.EstablishedEvent(nil), l.Events...), nil
}

func (l *LongTerm) Status(context.Context) (memory.TierStatus, error) {
	if l.Err != nil {
		return memory.TierStatus{}, l.Err
	}
	return memory.TierStatus{
		Initialized: !l.Uninitialized,
		Counts: map[string]int{
			"characters":    len(l.Characters),
			"foreshadowing": len(l.Foreshadowing),
			"events":        len(l.Events),
		},
	}, nil
}

// WorldKnowledge is a stubbed world-knowledge store.
type WorldKnowledge struct {
	World         *memory.WorldSettings
	Characters    []memory.Character
	Events        []memory.EstablishedEvent
	Err           error
	Uninitialized bool
}

func (w *WorldKnowledge) WorldSettings(context.Context) (*memory.WorldSettings, error) {
	if w.Err != nil {
		return nil, w.Err
	}
	return w.World, nil
}

func (w *WorldKnowledge) CharacterByName(_ context.Context, name string) (*memory.Character, error) {
	if w.Err != nil {
		return nil, w.Err
	}
	for i := range w.Characters {
		if w.Characters[i].Name == name {
			c := w.Characters[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (w *WorldKnowledge) EstablishedEvents(context.Context) ([]memory.EstablishedEvent, error) {
	if w.Err != nil {
		return nil, w.Err
	}
	return append([]memory.EstablishedEvent(nil), w.Events...), nil
}

func (w *WorldKnowledge) Status(context.Context) (memory.TierStatus, error) {
	if w.Err != nil {
		return memory.TierStatus{}, w.Err
	}
	return memory.TierStatus{
		Initialized: !w.Uninitialized,
		Counts: map[string]int{
			"characters": len(w.Characters),
			"events":     len(w.Events),
		},
	}, nil
}
