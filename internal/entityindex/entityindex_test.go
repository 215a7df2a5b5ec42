package entityindex

import (
	"path/filepath"
	"testing"

	"github.com/exocore/cell/internal/aggregator"
	"github.com/exocore/cell/internal/mutationindex"
	"github.com/exocore/cell/internal/schema"
	"github.com/exocore/cell/internal/types"
)

func openIdx(t *testing.T, name string) *mutationindex.Index {
	t.Helper()
	idx, err := mutationindex.Open(filepath.Join(t.TempDir(), name), schema.NewRegistry())
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func newOrchestrator(t *testing.T) (*Orchestrator, *mutationindex.Index, *mutationindex.Index) {
	t.Helper()
	pendingIdx := openIdx(t, "pending.db")
	chainIdx := openIdx(t, "chain.db")
	cache, err := aggregator.NewCache(16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return New(pendingIdx, chainIdx, cache), pendingIdx, chainIdx
}

// TestQueryPagingAndHashDedup mirrors spec.md's S7 scenario: 3 entities
// with a Note trait titled alpha/beta/gamma, Match("alpha") with
// page.count=1 yields one entity and a next_page cursor; paging past it
// yields none; replaying the first result_hash yields skipped_hash=true
// with no entity bodies.
func TestQueryPagingAndHashDedup(t *testing.T) {
	orch, _, chainIdx := newOrchestrator(t)

	chainIdx.Put(mutationindex.Document{OperationID: 1, EntityID: "e-alpha", Kind: types.MutationPutTrait, TraitID: "t1", TraitType: "Note", Text: "alpha"})
	chainIdx.Put(mutationindex.Document{OperationID: 2, EntityID: "e-beta", Kind: types.MutationPutTrait, TraitID: "t1", TraitType: "Note", Text: "beta"})
	chainIdx.Put(mutationindex.Document{OperationID: 3, EntityID: "e-gamma", Kind: types.MutationPutTrait, TraitID: "t1", TraitType: "Note", Text: "gamma"})

	q := Query{
		Predicate: mutationindex.Predicate{Kind: mutationindex.PredMatch, Text: "alpha"},
		Page:      Page{Count: 1},
	}
	first := orch.Search(q)
	if len(first.Entities) != 1 || first.Entities[0].EntityID != "e-alpha" {
		t.Fatalf("first result = %+v", first.Entities)
	}
	if first.NextPage == nil {
		t.Fatalf("expected a next_page cursor")
	}

	q.Page.AfterOrderingValue = first.NextPage
	second := orch.Search(q)
	if len(second.Entities) != 0 {
		t.Fatalf("second page = %+v, want empty", second.Entities)
	}

	q.Page.AfterOrderingValue = nil
	q.ResultHash = first.ResultHash
	third := orch.Search(q)
	if !third.SkippedHash {
		t.Fatalf("expected skipped_hash=true when replaying the same result_hash")
	}
	if len(third.Entities) != 0 {
		t.Fatalf("expected no entity bodies when hash matches, got %+v", third.Entities)
	}
}

func TestSearchExcludesDeletedEntitiesByDefault(t *testing.T) {
	orch, _, chainIdx := newOrchestrator(t)
	chainIdx.Put(mutationindex.Document{OperationID: 1, EntityID: "e1", Kind: types.MutationPutTrait, TraitID: "t1", Text: "alpha"})
	chainIdx.Put(mutationindex.Document{OperationID: 2, EntityID: "e1", Kind: types.MutationDeleteEntity})

	result := orch.Search(Query{Predicate: mutationindex.Predicate{Kind: mutationindex.PredMatch, Text: "alpha"}})
	if len(result.Entities) != 0 {
		t.Fatalf("expected deleted entity to be excluded, got %+v", result.Entities)
	}
}

func TestSearchIncludesDeletedWhenRequested(t *testing.T) {
	orch, _, chainIdx := newOrchestrator(t)
	chainIdx.Put(mutationindex.Document{OperationID: 1, EntityID: "e1", Kind: types.MutationPutTrait, TraitID: "t1", Text: "alpha"})
	chainIdx.Put(mutationindex.Document{OperationID: 2, EntityID: "e1", Kind: types.MutationDeleteEntity})

	result := orch.Search(Query{
		Predicate:      mutationindex.Predicate{Kind: mutationindex.PredMatch, Text: "alpha"},
		IncludeDeleted: true,
	})
	if len(result.Entities) != 1 {
		t.Fatalf("expected deleted entity to be included, got %+v", result.Entities)
	}
}
