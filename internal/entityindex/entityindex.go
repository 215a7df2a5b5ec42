// Package entityindex implements §4.J: the query orchestrator that
// merges the pending and chain mutation indices into entity-level
// results, folding each candidate entity's mutation history through
// internal/aggregator and applying paging, scoring, and hash-dedup.
package entityindex

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/exocore/cell/internal/aggregator"
	"github.com/exocore/cell/internal/mutationindex"
	"github.com/exocore/cell/internal/types"
)

// referenceBoostPenalty is applied to entities with no outgoing
// references when scoring is enabled, per spec.md §4.J step 5.
const referenceBoostPenalty = 0.3

// Page bounds a query's paging window by ordering value, per spec.md
// §4.J's before/after-ordering-value cursor scheme.
type Page struct {
	Count               int
	AfterOrderingValue  *float64
	BeforeOrderingValue *float64
}

// Query is one entity-search request.
type Query struct {
	Predicate      mutationindex.Predicate
	Descending     bool
	Page           Page
	ScoringEnabled bool
	IncludeDeleted bool
	ResultHash     uint64 // caller's previously-seen result hash, for skip_hash
}

// EntityResult is one surviving entity in a query's result set.
type EntityResult struct {
	EntityID      string
	Aggregator    *aggregator.EntityAggregator
	Score         float64
	OrderingValue float64
}

// Result is the outcome of one Search call.
type Result struct {
	Entities    []EntityResult
	NextPage    *float64
	ResultHash  uint64
	SkippedHash bool
}

// Orchestrator wires the pending and chain mutation indices plus an
// aggregator cache into the §4.J search algorithm.
type Orchestrator struct {
	pendingIdx *mutationindex.Index
	chainIdx   *mutationindex.Index
	cache      *aggregator.Cache
}

// New builds an Orchestrator over both mutation index instances.
func New(pendingIdx, chainIdx *mutationindex.Index, cache *aggregator.Cache) *Orchestrator {
	return &Orchestrator{pendingIdx: pendingIdx, chainIdx: chainIdx, cache: cache}
}

// Search runs the 8-step algorithm of spec.md §4.J against both mutation
// indices and returns the surviving, paginated, ranked entity results.
func (o *Orchestrator) Search(q Query) Result {
	// 1. Ask both mutation indices for a sorted stream of mutation hits.
	idxQuery := mutationindex.Query{Predicate: q.Predicate, Descending: q.Descending}
	if q.Page.AfterOrderingValue != nil {
		idxQuery.AfterOrderingValue = q.Page.AfterOrderingValue
	}
	if q.Page.BeforeOrderingValue != nil {
		idxQuery.BeforeOrderingValue = q.Page.BeforeOrderingValue
	}
	pendingHits := o.pendingIdx.Search(idxQuery)
	chainHits := o.chainIdx.Search(idxQuery)

	// 2. Merge the two streams by ordering value.
	merged := mergeHits(pendingHits, chainHits, q.Descending)

	seen := make(map[string]bool)
	var survivors []EntityResult

	for _, hit := range merged {
		entityID := hit.Document.EntityID
		// 3. Fetch (and cache) the entity's aggregator on first sight.
		if seen[entityID] {
			continue
		}
		seen[entityID] = true

		agg, ok := o.cache.Get(entityID)
		if !ok {
			allHits := append(append([]mutationindex.Hit{}, o.pendingIdx.SearchEntityID(entityID)...), o.chainIdx.SearchEntityID(entityID)...)
			agg = aggregator.Fold(entityID, allHits)
			o.cache.Put(agg)
		}

		// 4. Skip entities where the matched operation is no longer active,
		// or the entity is deleted and deleted entities weren't requested.
		if !agg.ActiveOperations[hit.Document.OperationID] {
			continue
		}
		if agg.IsDeleted() && !q.IncludeDeleted {
			continue
		}

		score := 1.0
		if q.ScoringEnabled {
			if !agg.HasReference {
				score *= referenceBoostPenalty
			}
		}

		survivors = append(survivors, EntityResult{
			EntityID:      entityID,
			Aggregator:    agg,
			Score:         score,
			OrderingValue: hit.OrderingValue,
		})
	}

	// 6. Maintain a top-k structure: sort by (score desc, ordering) then
	// bound to page.count, so late high scorers within the batch can
	// displace earlier lower-scoring entries.
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Score != survivors[j].Score {
			return survivors[i].Score > survivors[j].Score
		}
		if q.Descending {
			return survivors[i].OrderingValue > survivors[j].OrderingValue
		}
		return survivors[i].OrderingValue < survivors[j].OrderingValue
	})
	if q.Page.Count > 0 && len(survivors) > q.Page.Count {
		survivors = survivors[:q.Page.Count]
	}

	// 7. Compute a result-set hash; skip bodies if unchanged from the
	// caller's previous observation.
	hash := hashResults(survivors)
	skipped := q.ResultHash != 0 && q.ResultHash == hash

	// 8. Derive the next_page cursor from the last survivor's ordering
	// value.
	var next *float64
	if len(survivors) > 0 {
		v := survivors[len(survivors)-1].OrderingValue
		next = &v
	}

	if skipped {
		return Result{NextPage: next, ResultHash: hash, SkippedHash: true}
	}
	return Result{Entities: survivors, NextPage: next, ResultHash: hash}
}

func mergeHits(a, b []mutationindex.Hit, descending bool) []mutationindex.Hit {
	merged := make([]mutationindex.Hit, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	sort.SliceStable(merged, func(i, j int) bool {
		if descending {
			return merged[i].OrderingValue > merged[j].OrderingValue
		}
		return merged[i].OrderingValue < merged[j].OrderingValue
	})
	return merged
}

func hashResults(results []EntityResult) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	for _, r := range results {
		id := uint64(r.Aggregator.LastOperationID)
		for i := 0; i < 8; i++ {
			buf[i] = byte(id >> (8 * i))
		}
		h.Write(buf)
		h.Write([]byte(r.EntityID))
	}
	return h.Sum64()
}

// WatchedQuery tracks a registered query that re-runs on relevant
// engine events, per spec.md §4.J's watched-queries note.
type WatchedQuery struct {
	Query      Query
	LastHash   uint64
	Sink       chan Result
}

// Refresh re-runs the watched query and pushes a new Result to the sink
// only if the result hash changed.
func (o *Orchestrator) Refresh(w *WatchedQuery) {
	w.Query.ResultHash = w.LastHash
	result := o.Search(w.Query)
	if result.SkippedHash {
		return
	}
	w.LastHash = result.ResultHash
	select {
	case w.Sink <- result:
	default:
	}
}
