package optimize

import (
	"time"

	"github.com/orneryd/lorekeep/pkg/memory"
)

// Strategy names one of the five access paths the optimizer can pick for
// a query.
type Strategy string

const (
	// StrategyCacheFirst scans the three cache levels cheapest-first
	// before falling back to unified access.
	StrategyCacheFirst Strategy = "CACHE_FIRST"

	// StrategyConsistencyFirst forces a fresh unified fetch and runs
	// explicit consistency validation on the result.
	StrategyConsistencyFirst Strategy = "CONSISTENCY_FIRST"

	// StrategyPerformanceFirst consults the level that served this query
	// shape fastest before, then unified access.
	StrategyPerformanceFirst Strategy = "PERFORMANCE_FIRST"

	// StrategyBalanced tries the mid-term cache, falls back to unified
	// access, and always writes the result back to mid-term.
	StrategyBalanced Strategy = "BALANCED"

	// StrategyPredictive preloads statically-predicted related queries
	// around the main fetch and learns the observed follow-up query.
	StrategyPredictive Strategy = "PREDICTIVE"
)

// baseStrategy is the by-type default before learned overrides apply.
func baseStrategy(t memory.QueryType) Strategy {
	switch t {
	case memory.QueryWorldSettings:
		return StrategyCacheFirst
	case memory.QueryCharacterInfo:
		return StrategyConsistencyFirst
	case memory.QueryChapterMemories:
		return StrategyPerformanceFirst
	case memory.QuerySearch:
		return StrategyPredictive
	default:
		return StrategyBalanced
	}
}

// AccessPattern is the learned statistics for one distinct query shape.
// Fields are only ever updated through the documented formulas: the
// averages are EMAs, never arithmetic means, and entries are pruned
// oldest-last-access-first beyond the configured window.
type AccessPattern struct {
	Key         string
	Level       memory.Level
	AccessCount int64
	LastAccess  time.Time

	// AverageAccessTime is an EMA with alpha = 0.1.
	AverageAccessTime time.Duration

	// CacheHitRate is an EMA of hit(1)/miss(0) with alpha = 0.1.
	CacheHitRate float64

	DataSize         int
	ConsistencyScore float64
	Usage            string

	// query is retained so maintenance can re-issue the shape.
	query memory.Query
}

// accessTimeAlpha smooths AverageAccessTime and the global response EMA.
const accessTimeAlpha = 0.1

// hitRateAlpha smooths per-pattern cache hit rate.
const hitRateAlpha = 0.1

func classifyUsage(count int64) string {
	switch {
	case count >= 20:
		return "hot"
	case count >= 5:
		return "warm"
	default:
		return "cold"
	}
}

// SystemState is the aggregate view DetermineStrategy evaluates.
type SystemState struct {
	CacheHitRate     float64
	AvgResponseTime  time.Duration
	ConsistencyScore float64

	// Load is accesses in the trailing 60 seconds divided by 100,
	// clamped to [0,1].
	Load float64
}

// predictedQueries returns the statically-predicted related queries the
// PREDICTIVE strategy preloads around a main fetch.
func predictedQueries(q memory.Query) []memory.Query {
	switch q.Type {
	case memory.QueryChapterMemories:
		if n, ok := q.IntParam("chapter"); ok {
			return []memory.Query{{
				Type:       memory.QueryChapterMemories,
				Parameters: map[string]any{"chapter": n + 1},
				Options:    memory.DefaultQueryOptions(),
			}}
		}
		return nil
	case memory.QueryCharacterInfo:
		return []memory.Query{{
			Type:    memory.QueryWorldSettings,
			Options: memory.DefaultQueryOptions(),
		}}
	case memory.QueryWorldSettings:
		return []memory.Query{{
			Type:    memory.QueryKeyEvents,
			Options: memory.DefaultQueryOptions(),
		}}
	default:
		return nil
	}
}
