package gc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exocore/cell/internal/mutationindex"
	"github.com/exocore/cell/internal/schema"
	"github.com/exocore/cell/internal/types"
)

type recordingSubmitter struct {
	mutations []types.EntityMutation
}

func (s *recordingSubmitter) SubmitMutation(m types.EntityMutation) error {
	s.mutations = append(s.mutations, m)
	return nil
}

func openIdx(t *testing.T, name string) *mutationindex.Index {
	t.Helper()
	idx, err := mutationindex.Open(filepath.Join(t.TempDir(), name), schema.NewRegistry())
	require.NoError(t, err, "open %s", name)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestFlagRespectsQueueBound(t *testing.T) {
	c := New(2)
	c.Flag("e1")
	c.Flag("e2")
	c.Flag("e3") // dropped silently, queue full
	assert.Equal(t, 2, c.QueueLen())
}

func TestFlagIsIdempotent(t *testing.T) {
	c := New(5)
	c.Flag("e1")
	c.Flag("e1")
	assert.Equal(t, 1, c.QueueLen())
}

func TestRunSubmitsCompactMutationForDeletedEntity(t *testing.T) {
	pendingIdx := openIdx(t, "pending.db")
	chainIdx := openIdx(t, "chain.db")
	chainIdx.Put(mutationindex.Document{OperationID: 1, EntityID: "e1", Kind: types.MutationPutTrait, TraitID: "t1"})
	chainIdx.Put(mutationindex.Document{OperationID: 2, EntityID: "e1", Kind: types.MutationDeleteEntity})

	c := New(10)
	c.Flag("e1")
	sub := &recordingSubmitter{}

	require.NoError(t, c.Run(pendingIdx, chainIdx, sub))
	require.Len(t, sub.mutations, 1)
	assert.Equal(t, types.MutationDeleteOperations, sub.mutations[0].Kind)
	assert.Equal(t, 0, c.QueueLen(), "queue should be drained after Run")
}

func TestRunSkipsEntityNoLongerDeleted(t *testing.T) {
	pendingIdx := openIdx(t, "pending.db")
	chainIdx := openIdx(t, "chain.db")
	chainIdx.Put(mutationindex.Document{OperationID: 1, EntityID: "e1", Kind: types.MutationPutTrait, TraitID: "t1"})
	chainIdx.Put(mutationindex.Document{OperationID: 2, EntityID: "e1", Kind: types.MutationDeleteEntity})
	chainIdx.Put(mutationindex.Document{OperationID: 3, EntityID: "e1", Kind: types.MutationPutTrait, TraitID: "t2"})

	c := New(10)
	c.Flag("e1")
	sub := &recordingSubmitter{}

	require.NoError(t, c.Run(pendingIdx, chainIdx, sub))
	assert.Empty(t, sub.mutations, "expected no mutations for a resurrected entity")
}

func TestEncodeDeleteOperationIDs(t *testing.T) {
	got := EncodeDeleteOperationIDs([]types.OperationID{1, 2, 3})
	assert.Equal(t, "1,2,3", got)
}
