// Package mutationindex implements §4.H: the pending and chain mutation
// indices. Both are instances of the same Index type, one built over
// pending-store entries and one over committed chain blocks. Documents
// are persisted in bbolt for recovery across restarts; postings are
// rebuilt into in-memory roaring64 bitmaps at Open, matching the
// single-writer/multi-reader policy of §5.
package mutationindex

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	bolt "go.etcd.io/bbolt"

	"github.com/exocore/cell/internal/exoerr"
	"github.com/exocore/cell/internal/schema"
	"github.com/exocore/cell/internal/types"
)

var docsBucket = []byte("docs")

// Document is what the index stores per indexed operation: the mutation
// metadata plus enough of the payload to satisfy Match/Trait/field
// predicates.
type Document struct {
	OperationID types.OperationID
	BlockOffset int64 // -1 if not yet committed (pending index)
	Kind        types.MutationKind
	EntityID    string
	TraitID     string
	TraitType   string
	Fields      map[string]string
	Text        string
	References  []string // entity ids this mutation's trait data points at
}

func init() {
	gob.Register(Document{})
}

// Index is one inverted index instance (pending or chain).
type Index struct {
	mu       sync.RWMutex
	db       *bolt.DB
	registry *schema.Registry

	docs        map[types.OperationID]Document
	byEntity    map[string]*roaring64.Bitmap
	byTrait     map[string]*roaring64.Bitmap // traitType
	byField     map[string]*roaring64.Bitmap // "traitType.field=value"
	byReference map[string]*roaring64.Bitmap // target entity id
	order       []types.OperationID          // ascending, maintained sorted
}

// Open opens (or creates) the bbolt-backed index at path and replays its
// documents into memory.
func Open(path string, registry *schema.Registry) (*Index, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "mutationindex.Open", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	}); err != nil {
		return nil, exoerr.New(exoerr.Integrity, "mutationindex.Open", err)
	}

	idx := &Index{
		db:          db,
		registry:    registry,
		docs:        make(map[types.OperationID]Document),
		byEntity:    make(map[string]*roaring64.Bitmap),
		byTrait:     make(map[string]*roaring64.Bitmap),
		byField:     make(map[string]*roaring64.Bitmap),
		byReference: make(map[string]*roaring64.Bitmap),
	}
	if err := idx.replay(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) replay() error {
	return idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		return b.ForEach(func(_, v []byte) error {
			var doc Document
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&doc); err != nil {
				return err
			}
			idx.index(doc)
			return nil
		})
	})
}

func opKey(id types.OperationID) []byte {
	k := make([]byte, 8)
	for i := 0; i < 8; i++ {
		k[7-i] = byte(id >> (8 * i))
	}
	return k
}

// Put persists and indexes a document, replacing any existing entry for
// the same operation id.
func (idx *Index) Put(doc Document) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return exoerr.New(exoerr.Integrity, "mutationindex.Put", err)
	}
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Put(opKey(doc.OperationID), buf.Bytes())
	}); err != nil {
		return exoerr.New(exoerr.Integrity, "mutationindex.Put", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.index(doc)
	return nil
}

// index updates in-memory structures for doc; caller must hold idx.mu
// when called outside of replay (replay runs before concurrent access).
func (idx *Index) index(doc Document) {
	if _, exists := idx.docs[doc.OperationID]; !exists {
		i := sort.Search(len(idx.order), func(i int) bool { return idx.order[i] >= doc.OperationID })
		idx.order = append(idx.order, 0)
		copy(idx.order[i+1:], idx.order[i:])
		idx.order[i] = doc.OperationID
	}
	idx.docs[doc.OperationID] = doc

	addTo(idx.byEntity, doc.EntityID, doc.OperationID)
	if doc.TraitType != "" {
		addTo(idx.byTrait, doc.TraitType, doc.OperationID)
	}
	for k, v := range doc.Fields {
		if v == "" || !idx.fieldIndexed(doc.TraitType, k) {
			continue
		}
		addTo(idx.byField, doc.TraitType+"."+k+"="+v, doc.OperationID)
	}
	for _, ref := range doc.References {
		addTo(idx.byReference, ref, doc.OperationID)
	}
}

// fieldIndexed reports whether field k of traitType should be indexed
// for equality lookup, per the registry's descriptor table. With a nil
// registry, or for a trait type with no registered descriptors, every
// field is indexed. Once a trait type registers field descriptors, only
// fields whose descriptor has Indexed set get a byField posting; unlisted
// fields fall out of byField but Text still carries full-text search.
func (idx *Index) fieldIndexed(traitType, field string) bool {
	if idx.registry == nil {
		return true
	}
	descs := idx.registry.Fields(traitType)
	if descs == nil {
		return true
	}
	for _, d := range descs {
		if d.Name == field {
			return d.Indexed
		}
	}
	return false
}

func addTo(m map[string]*roaring64.Bitmap, key string, id types.OperationID) {
	if key == "" {
		return
	}
	bm, ok := m[key]
	if !ok {
		bm = roaring64.New()
		m[key] = bm
	}
	bm.Add(uint64(id))
}

// DeleteByOperationID removes a document from the index.
func (idx *Index) DeleteByOperationID(opID types.OperationID) error {
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Delete(opKey(opID))
	}); err != nil {
		return exoerr.New(exoerr.Integrity, "mutationindex.DeleteByOperationID", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	doc, ok := idx.docs[opID]
	if !ok {
		return nil
	}
	delete(idx.docs, opID)
	for i, id := range idx.order {
		if id == opID {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	if bm, ok := idx.byEntity[doc.EntityID]; ok {
		bm.Remove(uint64(opID))
	}
	if bm, ok := idx.byTrait[doc.TraitType]; ok {
		bm.Remove(uint64(opID))
	}
	for k, v := range doc.Fields {
		if bm, ok := idx.byField[doc.TraitType+"."+k+"="+v]; ok {
			bm.Remove(uint64(opID))
		}
	}
	for _, ref := range doc.References {
		if bm, ok := idx.byReference[ref]; ok {
			bm.Remove(uint64(opID))
		}
	}
	return nil
}

// Predicate is one node of the query model described in spec.md §4.H.
// Field's meaning depends on Kind: for PredTrait it names the trait
// type; for PredReference it optionally scopes the match to mutations
// of that trait type, leaving it empty to match any trait. Value holds
// the target entity id for PredReference.
type Predicate struct {
	Kind     PredicateKind
	Text     string
	Field    string
	Value    string
	ID       types.OperationID
	IDs      []types.OperationID
	Children []Predicate
	BoolOp   BoolOp
}

type PredicateKind int

const (
	PredMatch PredicateKind = iota
	PredTrait
	PredID
	PredIds
	PredAll
	PredBoolean
	PredReference
)

type BoolOp int

const (
	BoolAnd BoolOp = iota
	BoolOr
)

// Hit is one search result: a document plus its ordering value.
type Hit struct {
	Document      Document
	OrderingValue float64
}

// Query describes one search request.
type Query struct {
	Predicate          Predicate
	OrderByOperationID bool
	Descending         bool
	AfterOrderingValue *float64
	BeforeOrderingValue *float64
}

// Search evaluates query and returns matching documents sorted by the
// requested ordering.
func (idx *Index) Search(q Query) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matched := idx.eval(q.Predicate)
	hits := make([]Hit, 0, len(matched))
	matched.Iterate(func(x uint64) bool {
		doc := idx.docs[types.OperationID(x)]
		ordering := float64(doc.OperationID)
		if q.AfterOrderingValue != nil && ordering <= *q.AfterOrderingValue {
			return true
		}
		if q.BeforeOrderingValue != nil && ordering >= *q.BeforeOrderingValue {
			return true
		}
		hits = append(hits, Hit{Document: doc, OrderingValue: ordering})
		return true
	})

	sort.Slice(hits, func(i, j int) bool {
		if q.Descending {
			return hits[i].OrderingValue > hits[j].OrderingValue
		}
		return hits[i].OrderingValue < hits[j].OrderingValue
	})
	return hits
}

// SearchEntityID returns every mutation document for one entity, in
// operation-id order.
func (idx *Index) SearchEntityID(entityID string) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bm, ok := idx.byEntity[entityID]
	if !ok {
		return nil
	}
	hits := make([]Hit, 0, bm.GetCardinality())
	bm.Iterate(func(x uint64) bool {
		doc := idx.docs[types.OperationID(x)]
		hits = append(hits, Hit{Document: doc, OrderingValue: float64(doc.OperationID)})
		return true
	})
	sort.Slice(hits, func(i, j int) bool { return hits[i].OrderingValue < hits[j].OrderingValue })
	return hits
}

func (idx *Index) eval(p Predicate) *roaring64.Bitmap {
	switch p.Kind {
	case PredAll:
		all := roaring64.New()
		for id := range idx.docs {
			all.Add(uint64(id))
		}
		return all
	case PredID:
		bm := roaring64.New()
		if _, ok := idx.docs[p.ID]; ok {
			bm.Add(uint64(p.ID))
		}
		return bm
	case PredIds:
		bm := roaring64.New()
		for _, id := range p.IDs {
			if _, ok := idx.docs[id]; ok {
				bm.Add(uint64(id))
			}
		}
		return bm
	case PredTrait:
		traitBM, ok := idx.byTrait[p.Field]
		if !ok {
			return roaring64.New()
		}
		if len(p.Children) == 0 {
			return traitBM.Clone()
		}
		return roaring64.And(traitBM, idx.eval(p.Children[0]))
	case PredReference:
		refBM, ok := idx.byReference[p.Value]
		if !ok {
			return roaring64.New()
		}
		if p.Field == "" {
			return refBM.Clone()
		}
		traitBM, ok := idx.byTrait[p.Field]
		if !ok {
			return roaring64.New()
		}
		return roaring64.And(refBM, traitBM)
	case PredMatch:
		bm := roaring64.New()
		for id, doc := range idx.docs {
			if containsFold(doc.Text, p.Text) {
				bm.Add(uint64(id))
			}
		}
		return bm
	case PredBoolean:
		if len(p.Children) == 0 {
			return roaring64.New()
		}
		result := idx.eval(p.Children[0])
		for _, child := range p.Children[1:] {
			childBM := idx.eval(child)
			if p.BoolOp == BoolAnd {
				result = roaring64.And(result, childBM)
			} else {
				result = roaring64.Or(result, childBM)
			}
		}
		return result
	default:
		return roaring64.New()
	}
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	h, n := []rune(toLower(haystack)), []rune(toLower(needle))
	if len(n) > len(h) {
		return false
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if h[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

// Close releases the index's bbolt handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
