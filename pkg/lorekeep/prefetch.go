package lorekeep

import (
	"context"

	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/resolve"
)

// prefetchSource adapts the resolver and the external tiers into the
// coordinator's prefetch interface.
type prefetchSource struct {
	resolver *resolve.Resolver
	tiers    memory.Tiers
}

func (p *prefetchSource) WorldSettings(ctx context.Context) (any, error) {
	ws, err := p.resolver.ConsolidateWorldSettings(ctx)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// MainCharacters derives the cast worth warming from long-term memory:
// entities named by established events that resolve to character records,
// capped at five.
func (p *prefetchSource) MainCharacters(ctx context.Context) ([]string, error) {
	if p.tiers.LongTerm == nil {
		return nil, nil
	}
	events, err := p.tiers.LongTerm.EstablishedEvents(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, ev := range events {
		for _, entity := range ev.Entities {
			if seen[entity] {
				continue
			}
			seen[entity] = true
			ch, err := p.tiers.LongTerm.CharacterByName(ctx, entity)
			if err != nil || ch == nil {
				continue
			}
			names = append(names, ch.Name)
			if len(names) >= 5 {
				return names, nil
			}
		}
	}
	return names, nil
}

func (p *prefetchSource) CharacterInfo(ctx context.Context, name string) (any, error) {
	ch, err := p.resolver.ConsolidateCharacter(ctx, name)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ChapterMemories reads one chapter from the short-term tier. A chapter
// that has not been written yet reads as nil, which the coordinator
// counts as a failed (not fatal) prefetch.
func (p *prefetchSource) ChapterMemories(ctx context.Context, chapter int) (any, error) {
	if p.tiers.ShortTerm == nil {
		return nil, nil
	}
	ch, err := p.tiers.ShortTerm.ChapterByNumber(ctx, chapter)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, nil
	}
	return ch, nil
}

func (p *prefetchSource) UnresolvedForeshadowing(ctx context.Context) (any, error) {
	if p.tiers.LongTerm == nil {
		return nil, nil
	}
	fs, err := p.tiers.LongTerm.UnresolvedForeshadowing(ctx)
	if err != nil {
		return nil, err
	}
	if len(fs) == 0 {
		return nil, nil
	}
	return fs, nil
}
