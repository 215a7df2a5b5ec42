package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exocore/cell/internal/mutationindex"
	"github.com/exocore/cell/internal/types"
)

func hit(opID types.OperationID, kind types.MutationKind, traitID string) mutationindex.Hit {
	return mutationindex.Hit{Document: mutationindex.Document{
		OperationID: opID,
		EntityID:    "e1",
		Kind:        kind,
		TraitID:     traitID,
	}, OrderingValue: float64(opID)}
}

func hitWithReferences(opID types.OperationID, traitID string, refs ...string) mutationindex.Hit {
	h := hit(opID, types.MutationPutTrait, traitID)
	h.Document.References = refs
	return h
}

func TestFoldPutTraitSupersedesPriorPut(t *testing.T) {
	hits := []mutationindex.Hit{
		hit(1, types.MutationPutTrait, "t1"),
		hit(2, types.MutationPutTrait, "t1"),
	}
	agg := Fold("e1", hits)

	ta := agg.Traits["t1"]
	require.NotNil(t, ta)
	assert.Equal(t, []types.OperationID{2}, ta.ActivePutOpIDs)
	assert.False(t, agg.ActiveOperations[1], "operation 1 should no longer be active")
	assert.True(t, agg.ActiveOperations[2], "operation 2 should be active")
}

func TestFoldDeleteTraitThenPutResurrects(t *testing.T) {
	hits := []mutationindex.Hit{
		hit(1, types.MutationPutTrait, "t1"),
		hit(2, types.MutationDeleteTrait, "t1"),
		hit(3, types.MutationPutTrait, "t1"),
	}
	agg := Fold("e1", hits)

	ta := agg.Traits["t1"]
	assert.False(t, ta.Deleted, "trait should be resurrected by the later put")
	assert.Equal(t, []types.OperationID{3}, ta.ActivePutOpIDs)
}

func TestFoldDeleteEntitySupersededByLaterPut(t *testing.T) {
	hits := []mutationindex.Hit{
		hit(1, types.MutationPutTrait, "t1"),
		hit(2, types.MutationDeleteEntity, ""),
		hit(3, types.MutationPutTrait, "t2"),
	}
	agg := Fold("e1", hits)

	assert.Zero(t, agg.DeletionDate, "deletion date should be cleared by the later put")
	assert.False(t, agg.IsDeleted())
}

func TestFoldDeleteEntityWithoutLaterPutStaysDeleted(t *testing.T) {
	hits := []mutationindex.Hit{
		hit(1, types.MutationPutTrait, "t1"),
		hit(2, types.MutationDeleteEntity, ""),
	}
	agg := Fold("e1", hits)

	assert.True(t, agg.IsDeleted())
}

func TestFoldHashIsStableAcrossEquivalentInputOrder(t *testing.T) {
	a := Fold("e1", []mutationindex.Hit{hit(1, types.MutationPutTrait, "t1"), hit(2, types.MutationPutTrait, "t2")})
	b := Fold("e1", []mutationindex.Hit{hit(2, types.MutationPutTrait, "t2"), hit(1, types.MutationPutTrait, "t1")})
	assert.Equal(t, a.Hash, b.Hash, "hash should not depend on input slice order")
}

func TestFoldHasReferenceTrueWhenActiveTraitCarriesReference(t *testing.T) {
	hits := []mutationindex.Hit{
		hit(1, types.MutationPutTrait, "t1"),
		hitWithReferences(2, "t2", "other-entity"),
	}
	agg := Fold("e1", hits)
	assert.True(t, agg.HasReference)
}

func TestFoldHasReferenceFalseWithoutAnyReference(t *testing.T) {
	hits := []mutationindex.Hit{
		hit(1, types.MutationPutTrait, "t1"),
		hit(2, types.MutationPutTrait, "t2"),
	}
	agg := Fold("e1", hits)
	assert.False(t, agg.HasReference)
}

func TestFoldHasReferenceFalseAfterReferencingTraitDeleted(t *testing.T) {
	hits := []mutationindex.Hit{
		hitWithReferences(1, "t1", "other-entity"),
		hit(2, types.MutationDeleteTrait, "t1"),
	}
	agg := Fold("e1", hits)
	assert.False(t, agg.HasReference, "deleted trait's reference should not count")
}

func TestFoldHasReferenceFalseAfterLaterPutDropsReference(t *testing.T) {
	hits := []mutationindex.Hit{
		hitWithReferences(1, "t1", "other-entity"),
		hit(2, types.MutationPutTrait, "t1"),
	}
	agg := Fold("e1", hits)
	assert.False(t, agg.HasReference, "later put without a reference should clear it")
}

func TestCacheGetPutInvalidate(t *testing.T) {
	c, err := NewCache(4)
	require.NoError(t, err)

	agg := &EntityAggregator{EntityID: "e1"}
	c.Put(agg)
	got, ok := c.Get("e1")
	require.True(t, ok)
	assert.Same(t, agg, got)

	c.Invalidate("e1")
	_, ok = c.Get("e1")
	assert.False(t, ok, "expected cache miss after invalidate")
}
