package resolve

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// UnifiedAccess serves one memory query through the resolver's own
// short-lived result cache and the per-shape dispatch handlers.
//
// Contract: an unsupported query type or a missing required target is
// returned as an error; every other failure degrades to a Success=false
// result so the generation pipeline is never blocked by a tier hiccup.
func (r *Resolver) UnifiedAccess(ctx context.Context, q memory.Query) (memory.Result, error) {
	start := r.now()
	opts := q.Options
	if opts == (memory.QueryOptions{}) {
		opts = memory.DefaultQueryOptions()
	}
	key := q.Key()

	if opts.UseCache && !opts.ForceRefresh {
		r.resultMu.Lock()
		cached, ok := r.results.Get(key)
		r.resultMu.Unlock()
		if ok {
			cached.Metadata.CacheHit = true
			cached.Metadata.ProcessingTime = r.now().Sub(start)
			return cached, nil
		}
	}

	data, source, conflicts, err := r.dispatch(ctx, q)
	elapsed := r.now().Sub(start)
	if err != nil {
		if errors.Is(err, ErrUnsupportedQueryType) || errors.Is(err, ErrMissingTarget) {
			return memory.Result{}, err
		}
		r.logger.Warn("unified access degraded", "type", q.Type, "target", q.Target, "err", err)
		return memory.Result{
			Success:   false,
			Source:    source,
			Timestamp: r.now(),
			Metadata:  memory.ResultMetadata{ProcessingTime: elapsed},
		}, nil
	}

	res := memory.Result{
		Success:   true,
		Data:      data,
		Source:    source,
		Timestamp: r.now(),
		Metadata: memory.ResultMetadata{
			ProcessingTime:    elapsed,
			DataFreshness:     1.0,
			ConflictsResolved: conflicts,
		},
	}
	if opts.UseCache {
		r.resultMu.Lock()
		r.results.Add(key, res)
		r.resultMu.Unlock()
	}
	return res, nil
}

// dispatch routes the query to its handler. Handlers query the external
// tiers in priority order and fall back across tiers before giving up.
func (r *Resolver) dispatch(ctx context.Context, q memory.Query) (any, memory.Source, int, error) {
	switch q.Type {
	case memory.QueryWorldSettings:
		ws, err := r.ConsolidateWorldSettings(ctx)
		if err != nil {
			return nil, memory.SourceUnified, 0, err
		}
		return ws, memory.SourceUnified, len(ws.ConflictsResolved), nil

	case memory.QueryCharacterInfo:
		if q.Target == "" {
			return nil, memory.SourceUnified, 0, fmt.Errorf("%w: characterInfo", ErrMissingTarget)
		}
		ch, err := r.ConsolidateCharacter(ctx, q.Target)
		if err != nil {
			return nil, memory.SourceUnified, 0, err
		}
		return ch, memory.SourceUnified, len(ch.ConflictsResolved), nil

	case memory.QueryChapterMemories:
		return r.chapterMemories(ctx, q)

	case memory.QueryArcMemory:
		return r.arcMemory(ctx, q)

	case memory.QueryKeyEvents:
		return r.keyEvents(ctx)

	case memory.QuerySearch:
		return r.search(ctx, q)

	default:
		return nil, memory.SourceUnified, 0, fmt.Errorf("%w: %q", ErrUnsupportedQueryType, q.Type)
	}
}

// chapterMemories prefers the short-term tier and falls back to mid-term
// summaries once chapters have been condensed away.
func (r *Resolver) chapterMemories(ctx context.Context, q memory.Query) (any, memory.Source, int, error) {
	if n, ok := q.IntParam("chapter"); ok {
		if r.tiers.ShortTerm != nil {
			ch, err := r.tiers.ShortTerm.ChapterByNumber(ctx, n)
			if err == nil && ch != nil {
				return ch, memory.SourceShortTerm, 0, nil
			}
			if err != nil {
				r.logger.Debug("short-term chapter lookup failed", "chapter", n, "err", err)
			}
		}
		if r.tiers.MidTerm != nil {
			sums, err := r.tiers.MidTerm.ChapterSummaries(ctx, n, n)
			if err == nil && len(sums) > 0 {
				return sums, memory.SourceMidTerm, 0, nil
			}
			if err != nil {
				return nil, memory.SourceMidTerm, 0, err
			}
		}
		return nil, memory.SourceShortTerm, 0, fmt.Errorf("chapter %d not held by any tier", n)
	}

	limit, ok := q.IntParam("limit")
	if !ok || limit <= 0 {
		limit = 5
	}
	if r.tiers.ShortTerm != nil {
		chapters, err := r.tiers.ShortTerm.RecentChapters(ctx, limit)
		if err == nil && len(chapters) > 0 {
			return chapters, memory.SourceShortTerm, 0, nil
		}
		if err != nil {
			r.logger.Debug("short-term recent chapters failed", "err", err)
		}
	}
	if r.tiers.MidTerm != nil {
		sums, err := r.tiers.MidTerm.ChapterSummaries(ctx, 0, 1<<30)
		if err != nil {
			return nil, memory.SourceMidTerm, 0, err
		}
		if len(sums) > limit {
			sums = sums[len(sums)-limit:]
		}
		return sums, memory.SourceMidTerm, 0, nil
	}
	return nil, memory.SourceShortTerm, 0, errors.New("no tier can serve chapter memories")
}

func (r *Resolver) arcMemory(ctx context.Context, q memory.Query) (any, memory.Source, int, error) {
	arc, ok := q.IntParam("arcNumber")
	if !ok {
		if n, err := strconv.Atoi(q.Target); err == nil {
			arc, ok = n, true
		}
	}
	if !ok {
		return nil, memory.SourceMidTerm, 0, fmt.Errorf("%w: arcMemory needs arcNumber", ErrMissingTarget)
	}
	if r.tiers.MidTerm == nil {
		return nil, memory.SourceMidTerm, 0, errors.New("mid-term tier unavailable")
	}
	summary, err := r.tiers.MidTerm.ArcMemory(ctx, arc)
	if err != nil {
		return nil, memory.SourceMidTerm, 0, err
	}
	if summary == nil {
		return nil, memory.SourceMidTerm, 0, fmt.Errorf("arc %d unknown to mid-term memory", arc)
	}
	return summary, memory.SourceMidTerm, 0, nil
}

// keyEvents prefers mid-term key events and falls back to long-term
// established events.
func (r *Resolver) keyEvents(ctx context.Context) (any, memory.Source, int, error) {
	if r.tiers.MidTerm != nil {
		events, err := r.tiers.MidTerm.KeyEvents(ctx)
		if err == nil && len(events) > 0 {
			return events, memory.SourceMidTerm, 0, nil
		}
		if err != nil {
			r.logger.Debug("mid-term key events failed", "err", err)
		}
	}
	if r.tiers.LongTerm != nil {
		events, err := r.tiers.LongTerm.EstablishedEvents(ctx)
		if err != nil {
			return nil, memory.SourceLongTerm, 0, err
		}
		return events, memory.SourceLongTerm, 0, nil
	}
	return nil, memory.SourceMidTerm, 0, errors.New("no tier can serve key events")
}
