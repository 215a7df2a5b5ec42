// Package pending implements §4.C: an in-memory, keyed log of
// not-yet-committed operations grouped by proposal, backed by a
// google/btree ordered map for the timeline index plus a hash map of
// per-group ordered maps.
package pending

import (
	"sync"

	"github.com/google/btree"

	"github.com/exocore/cell/internal/exoerr"
	"github.com/exocore/cell/internal/types"
)

// StoredOperation is one entry as returned by the store's read API.
type StoredOperation struct {
	GroupID      types.GroupID
	OperationID  types.OperationID
	Kind         types.OperationKind
	CommitStatus types.CommitStatus
	Frame        []byte
}

type timelineItem struct {
	opID    types.OperationID
	groupID types.GroupID
}

func (a timelineItem) Less(than btree.Item) bool {
	return a.opID < than.(timelineItem).opID
}

type groupOperations struct {
	// ordered by operation id for deterministic iteration within a group
	ids   []types.OperationID
	byID  map[types.OperationID]*StoredOperation
}

func newGroupOperations() *groupOperations {
	return &groupOperations{byID: make(map[types.OperationID]*StoredOperation)}
}

func (g *groupOperations) put(op *StoredOperation) {
	if _, exists := g.byID[op.OperationID]; !exists {
		g.ids = insertSorted(g.ids, op.OperationID)
	}
	g.byID[op.OperationID] = op
}

func (g *groupOperations) remove(opID types.OperationID) {
	if _, ok := g.byID[opID]; !ok {
		return
	}
	delete(g.byID, opID)
	for i, id := range g.ids {
		if id == opID {
			g.ids = append(g.ids[:i], g.ids[i+1:]...)
			break
		}
	}
}

func insertSorted(ids []types.OperationID, id types.OperationID) []types.OperationID {
	i := 0
	for ; i < len(ids); i++ {
		if ids[i] > id {
			break
		}
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// Store is the in-memory pending store.
type Store struct {
	mu               sync.RWMutex
	operationsTimeline *btree.BTree // of timelineItem, ordered by opID
	groupsOperations map[types.GroupID]*groupOperations
}

// New returns an empty pending store.
func New() *Store {
	return &Store{
		operationsTimeline: btree.New(32),
		groupsOperations:   make(map[types.GroupID]*groupOperations),
	}
}

// Put inserts op, keyed by its group. Returns existed=true if an
// operation with the same id was already present (idempotent put).
func (s *Store) Put(op types.Operation, status types.CommitStatus) (existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groupsOperations[op.GroupID]
	if !ok {
		group = newGroupOperations()
		s.groupsOperations[op.GroupID] = group
	}

	_, existed = group.byID[op.ID]
	group.put(&StoredOperation{
		GroupID:      op.GroupID,
		OperationID:  op.ID,
		Kind:         op.Kind,
		CommitStatus: status,
		Frame:        op.Frame,
	})

	item := timelineItem{opID: op.ID, groupID: op.GroupID}
	s.operationsTimeline.ReplaceOrInsert(item)

	return existed, nil
}

// Get returns the operation with the given id.
func (s *Store) Get(opID types.OperationID) (*StoredOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.operationsTimeline.Get(timelineItem{opID: opID})
	if item == nil {
		return nil, exoerr.New(exoerr.NotFound, "pending.Get", errNotFound)
	}
	groupID := item.(timelineItem).groupID
	group, ok := s.groupsOperations[groupID]
	if !ok {
		return nil, exoerr.New(exoerr.NotFound, "pending.Get", errNotFound)
	}
	op, ok := group.byID[opID]
	if !ok {
		return nil, exoerr.New(exoerr.NotFound, "pending.Get", errNotFound)
	}
	cp := *op
	return &cp, nil
}

// GetGroup returns every operation belonging to groupID, in operation-id
// order.
func (s *Store) GetGroup(groupID types.GroupID) ([]StoredOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groupsOperations[groupID]
	if !ok {
		return nil, exoerr.New(exoerr.NotFound, "pending.GetGroup", errNotFound)
	}
	out := make([]StoredOperation, 0, len(group.ids))
	for _, id := range group.ids {
		out = append(out, *group.byID[id])
	}
	return out, nil
}

// UpdateCommitStatus updates the commit status of a single operation.
func (s *Store) UpdateCommitStatus(opID types.OperationID, status types.CommitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.operationsTimeline.Get(timelineItem{opID: opID})
	if item == nil {
		return exoerr.New(exoerr.NotFound, "pending.UpdateCommitStatus", errNotFound)
	}
	groupID := item.(timelineItem).groupID
	group, ok := s.groupsOperations[groupID]
	if !ok {
		return exoerr.New(exoerr.NotFound, "pending.UpdateCommitStatus", errNotFound)
	}
	op, ok := group.byID[opID]
	if !ok {
		return exoerr.New(exoerr.NotFound, "pending.UpdateCommitStatus", errNotFound)
	}
	op.CommitStatus = status
	return nil
}

// Iter calls fn for every operation with id in [from, to), in ascending
// id order, stopping early if fn returns false. Either bound may be 0 to
// mean unbounded (from=0 means from the start; to=0 means to the end).
func (s *Store) Iter(from, to types.OperationID, fn func(StoredOperation) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iterFn := func(item btree.Item) bool {
		ti := item.(timelineItem)
		if to != 0 && ti.opID >= to {
			return false
		}
		group, ok := s.groupsOperations[ti.groupID]
		if !ok {
			return true
		}
		op, ok := group.byID[ti.opID]
		if !ok {
			return true
		}
		return fn(*op)
	}

	if from == 0 {
		s.operationsTimeline.Ascend(iterFn)
	} else {
		s.operationsTimeline.AscendGreaterOrEqual(timelineItem{opID: from}, iterFn)
	}
}

// Count returns the number of operations in the timeline.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operationsTimeline.Len()
}

// Delete removes id from the store. If id names a known group, every
// operation in that group is removed. Otherwise id is treated as an
// ordinary member operation: it is removed from its group (which
// survives if other members remain) and from the timeline.
func (s *Store) Delete(id types.OperationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if group, ok := s.groupsOperations[id]; ok {
		for _, opID := range append([]types.OperationID{}, group.ids...) {
			s.operationsTimeline.Delete(timelineItem{opID: opID})
		}
		s.operationsTimeline.Delete(timelineItem{opID: id})
		delete(s.groupsOperations, id)
		return nil
	}

	item := s.operationsTimeline.Get(timelineItem{opID: id})
	if item == nil {
		return nil
	}
	groupID := item.(timelineItem).groupID
	if group, ok := s.groupsOperations[groupID]; ok {
		group.remove(id)
		if len(group.ids) == 0 {
			delete(s.groupsOperations, groupID)
		}
	}
	s.operationsTimeline.Delete(timelineItem{opID: id})
	return nil
}

type pendingErr string

func (e pendingErr) Error() string { return string(e) }

const errNotFound = pendingErr("operation not found")
