// Package aggregator implements §4.I: folding per-entity mutation
// metadata from both mutation indices into an EntityAggregator, cached
// by entity id so repeated lookups within a query don't re-fold.
package aggregator

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/exocore/cell/internal/mutationindex"
	"github.com/exocore/cell/internal/types"
)

// TraitAggregator folds the put/delete history of one trait_id.
type TraitAggregator struct {
	TraitID           string
	ActivePutOpIDs    []types.OperationID
	ActiveDeletionIDs []types.OperationID
	CreationDate      types.OperationID // first put's operation id, used as a logical timestamp
	ModificationDate  types.OperationID
	LastOperationID   types.OperationID
	Deleted           bool
	HasReference      bool // current put carries an outgoing entity reference
}

// EntityAggregator is the folded view of one entity's mutation history.
type EntityAggregator struct {
	EntityID           string
	Traits             map[string]*TraitAggregator
	EntityCreationDate types.OperationID
	EntityModification types.OperationID
	DeletionDate       types.OperationID // 0 = not deleted
	LastOperationID    types.OperationID
	Hash               uint64
	HasReference       bool
	ActiveOperations   map[types.OperationID]bool
}

// IsDeleted reports whether the entity carries a deletion_date or has at
// least one trait and none of them survive, per §4.K's GC-flagging
// condition. An entity with no traits at all is not reported as deleted.
func (e *EntityAggregator) IsDeleted() bool {
	if e.DeletionDate != 0 {
		return true
	}
	for _, t := range e.Traits {
		if !t.Deleted {
			return false
		}
	}
	return len(e.Traits) > 0
}

// Fold builds an EntityAggregator from a set of mutation hits for one
// entity, ascending by operation_id (the fold order spec.md §4.I
// requires). hits from both the pending and chain indices should be
// merged and sorted by the caller before calling Fold.
func Fold(entityID string, hits []mutationindex.Hit) *EntityAggregator {
	sorted := append([]mutationindex.Hit{}, hits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Document.OperationID < sorted[j].Document.OperationID })

	agg := &EntityAggregator{
		EntityID:         entityID,
		Traits:           make(map[string]*TraitAggregator),
		ActiveOperations: make(map[types.OperationID]bool),
	}

	dropped := make(map[types.OperationID]bool)

	for _, hit := range sorted {
		doc := hit.Document
		if dropped[doc.OperationID] {
			continue
		}
		if agg.EntityCreationDate == 0 {
			agg.EntityCreationDate = doc.OperationID
		}
		agg.EntityModification = doc.OperationID
		agg.LastOperationID = doc.OperationID

		switch doc.Kind {
		case types.MutationPutTrait:
			ta, ok := agg.Traits[doc.TraitID]
			if !ok {
				ta = &TraitAggregator{TraitID: doc.TraitID, CreationDate: doc.OperationID}
				agg.Traits[doc.TraitID] = ta
			}
			for _, old := range ta.ActivePutOpIDs {
				delete(agg.ActiveOperations, old)
			}
			ta.ActivePutOpIDs = []types.OperationID{doc.OperationID}
			ta.Deleted = false
			ta.ModificationDate = doc.OperationID
			ta.LastOperationID = doc.OperationID
			ta.HasReference = len(doc.References) > 0
			agg.ActiveOperations[doc.OperationID] = true
			// a later PutTrait resurrects an entity-level deletion.
			agg.DeletionDate = 0

		case types.MutationDeleteTrait:
			ta, ok := agg.Traits[doc.TraitID]
			if !ok {
				ta = &TraitAggregator{TraitID: doc.TraitID}
				agg.Traits[doc.TraitID] = ta
			}
			ta.Deleted = true
			ta.HasReference = false
			ta.ActiveDeletionIDs = append(ta.ActiveDeletionIDs, doc.OperationID)
			ta.ModificationDate = doc.OperationID
			ta.LastOperationID = doc.OperationID
			agg.ActiveOperations[doc.OperationID] = true

		case types.MutationDeleteEntity:
			for _, ta := range agg.Traits {
				ta.Deleted = true
			}
			agg.DeletionDate = doc.OperationID
			agg.ActiveOperations[doc.OperationID] = true

		case types.MutationDeleteOperations:
			for _, id := range idsFromDoc(doc) {
				dropped[id] = true
				delete(agg.ActiveOperations, id)
			}
		}
	}

	for _, ta := range agg.Traits {
		if !ta.Deleted && ta.HasReference {
			agg.HasReference = true
			break
		}
	}

	agg.Hash = rollingHash(agg)
	return agg
}

// idsFromDoc recovers the operation ids a DeleteOperations mutation
// names. The mutation index stores them pre-joined in
// Fields["delete_operation_ids"] as comma-separated decimal, written by
// the entry writer that submits
// CompactDeleteOperations mutations (§4.K).
func idsFromDoc(doc mutationindex.Document) []types.OperationID {
	raw, ok := doc.Fields["delete_operation_ids"]
	if !ok || raw == "" {
		return nil
	}
	var ids []types.OperationID
	var cur types.OperationID
	has := false
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			cur = cur*10 + types.OperationID(r-'0')
			has = true
			continue
		}
		if has {
			ids = append(ids, cur)
			cur, has = 0, false
		}
	}
	if has {
		ids = append(ids, cur)
	}
	return ids
}

// rollingHash combines the active operation ids into a single digest so
// callers can short-circuit re-fetches when nothing changed.
func rollingHash(agg *EntityAggregator) uint64 {
	ids := make([]types.OperationID, 0, len(agg.ActiveOperations))
	for id := range agg.ActiveOperations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := xxhash.New()
	buf := make([]byte, 8)
	for _, id := range ids {
		for i := 0; i < 8; i++ {
			buf[i] = byte(id >> (8 * i))
		}
		h.Write(buf)
	}
	return h.Sum64()
}

// Cache memoizes EntityAggregators by entity id across a single query's
// lifetime (or longer, bounded by size), sized by
// index.entity_mutations_cache_size.
type Cache struct {
	lru *lru.Cache
}

// NewCache builds a bounded aggregator cache.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns a cached aggregator for entityID, if present.
func (c *Cache) Get(entityID string) (*EntityAggregator, bool) {
	v, ok := c.lru.Get(entityID)
	if !ok {
		return nil, false
	}
	return v.(*EntityAggregator), true
}

// Put caches agg under its entity id.
func (c *Cache) Put(agg *EntityAggregator) {
	c.lru.Add(agg.EntityID, agg)
}

// Invalidate drops a cached aggregator, e.g. after a new mutation for
// that entity is indexed.
func (c *Cache) Invalidate(entityID string) {
	c.lru.Remove(entityID)
}
