package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// Source-priority weights for relevance scoring. Short-term records are
// the most likely to matter to the chapter being generated right now.
var searchWeights = map[memory.Source]float64{
	memory.SourceShortTerm: 1.0,
	memory.SourceMidTerm:   0.8,
	memory.SourceLongTerm:  0.6,
}

// SearchHit is one scored search result.
type SearchHit struct {
	Ref     string        `json:"ref"`
	Content string        `json:"content"`
	Source  memory.Source `json:"source"`
	Score   float64       `json:"score"`
}

type searchDoc struct {
	ref     string
	content string
	source  memory.Source
}

// search pulls candidate records from the requested tiers and ranks them
// by token overlap with the query, weighted by source priority. Tier
// failures drop that tier's candidates, never the whole search.
func (r *Resolver) search(ctx context.Context, q memory.Query) (any, memory.Source, int, error) {
	keywords := q.Target
	if kw, ok := q.StringParam("keywords"); ok && kw != "" {
		keywords = kw
	}
	queryTokens := tokenize(keywords)
	if len(queryTokens) == 0 {
		return nil, memory.SourceUnified, 0, fmt.Errorf("%w: search needs keywords", ErrMissingTarget)
	}

	limit, ok := q.IntParam("limit")
	if !ok || limit <= 0 {
		limit = r.searchLimit()
	}

	docs := r.gatherSearchDocs(ctx, q)

	hits := make([]SearchHit, 0, len(docs))
	for _, d := range docs {
		score := overlapScore(queryTokens, tokenize(d.content)) * searchWeights[d.source]
		if score <= 0 {
			continue
		}
		hits = append(hits, SearchHit{
			Ref:     d.ref,
			Content: d.content,
			Source:  d.source,
			Score:   score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, memory.SourceUnified, 0, nil
}

// gatherSearchDocs collects searchable text from each requested tier. The
// optional "scope" parameter restricts tiers ("short_term,mid_term").
func (r *Resolver) gatherSearchDocs(ctx context.Context, q memory.Query) []searchDoc {
	scope := map[memory.Source]bool{
		memory.SourceShortTerm: true,
		memory.SourceMidTerm:   true,
		memory.SourceLongTerm:  true,
	}
	if s, ok := q.StringParam("scope"); ok && s != "" {
		scope = map[memory.Source]bool{}
		for _, part := range strings.Split(s, ",") {
			if lvl, err := memory.ParseLevel(part); err == nil {
				scope[lvl.Source()] = true
			}
		}
	}

	var docs []searchDoc
	if scope[memory.SourceShortTerm] && r.tiers.ShortTerm != nil {
		chapters, err := r.tiers.ShortTerm.RecentChapters(ctx, 20)
		if err != nil {
			r.logger.Debug("search: short-term unavailable", "err", err)
		}
		for _, ch := range chapters {
			docs = append(docs, searchDoc{
				ref:     fmt.Sprintf("chapter_%d", ch.Number),
				content: ch.Title + " " + ch.Content,
				source:  memory.SourceShortTerm,
			})
		}
	}
	if scope[memory.SourceMidTerm] && r.tiers.MidTerm != nil {
		sums, err := r.tiers.MidTerm.ChapterSummaries(ctx, 0, 1<<30)
		if err != nil {
			r.logger.Debug("search: mid-term summaries unavailable", "err", err)
		}
		for _, s := range sums {
			docs = append(docs, searchDoc{
				ref:     fmt.Sprintf("summary_%d", s.Chapter),
				content: s.Summary + " " + strings.Join(s.KeyPoints, " "),
				source:  memory.SourceMidTerm,
			})
		}
		events, err := r.tiers.MidTerm.KeyEvents(ctx)
		if err != nil {
			r.logger.Debug("search: mid-term events unavailable", "err", err)
		}
		for _, e := range events {
			docs = append(docs, searchDoc{
				ref:     "keyEvent_" + e.ID,
				content: e.Description,
				source:  memory.SourceMidTerm,
			})
		}
	}
	if scope[memory.SourceLongTerm] && r.tiers.LongTerm != nil {
		events, err := r.tiers.LongTerm.EstablishedEvents(ctx)
		if err != nil {
			r.logger.Debug("search: long-term events unavailable", "err", err)
		}
		for _, e := range events {
			docs = append(docs, searchDoc{
				ref:     "event_" + e.ID,
				content: e.Description,
				source:  memory.SourceLongTerm,
			})
		}
		fs, err := r.tiers.LongTerm.UnresolvedForeshadowing(ctx)
		if err != nil {
			r.logger.Debug("search: long-term foreshadowing unavailable", "err", err)
		}
		for _, f := range fs {
			docs = append(docs, searchDoc{
				ref:     "foreshadowing_" + f.ID,
				content: f.Hint,
				source:  memory.SourceLongTerm,
			})
		}
	}
	return docs
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-character noise.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// overlapScore is the fraction of query tokens present in the document.
func overlapScore(query, doc []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]bool, len(doc))
	for _, t := range doc {
		set[t] = true
	}
	var matched int
	for _, t := range query {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
