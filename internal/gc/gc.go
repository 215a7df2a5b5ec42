// Package gc implements §4.K: a low-priority scan of entities flagged by
// the aggregator as deleted, submitting CompactDeleteOperations
// mutations through the commit manager. It never touches the chain
// store directly.
package gc

import (
	"strconv"
	"strings"
	"sync"

	"github.com/exocore/cell/internal/aggregator"
	"github.com/exocore/cell/internal/mutationindex"
	"github.com/exocore/cell/internal/types"
	"github.com/exocore/cell/internal/xmetrics"
)

// Submitter is the narrow commit-manager surface GC needs: submitting a
// normal Entry mutation for §4.F to pick up and commit.
type Submitter interface {
	SubmitMutation(mutation types.EntityMutation) error
}

// Collector keeps a bounded queue of candidate entity ids and, on each
// pass, produces CompactDeleteOperations mutations for those still
// flagged as deleted.
type Collector struct {
	mu        sync.Mutex
	queueSize int
	queue     []string
	queued    map[string]bool
}

// New builds a Collector bounded to queueSize candidates.
func New(queueSize int) *Collector {
	return &Collector{queueSize: queueSize, queued: make(map[string]bool)}
}

// Flag enqueues entityID as a deletion candidate. Overflow beyond
// queueSize is silently dropped; the entity will be re-detected on a
// later pass, per spec.md §4.K.
func (c *Collector) Flag(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued[entityID] {
		return
	}
	if len(c.queue) >= c.queueSize {
		return
	}
	c.queue = append(c.queue, entityID)
	c.queued[entityID] = true
	xmetrics.GCQueueDepth.Set(float64(len(c.queue)))
}

// Drain removes and returns every currently queued candidate.
func (c *Collector) Drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	c.queued = make(map[string]bool)
	xmetrics.GCQueueDepth.Set(0)
	return out
}

// QueueLen reports how many candidates are currently queued.
func (c *Collector) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run performs one GC pass: for each queued entity, folds its current
// mutation history via the pending and chain indices and, if still
// flagged deleted, submits a CompactDeleteOperations mutation naming
// every active operation id for that entity.
func (c *Collector) Run(pendingIdx, chainIdx *mutationindex.Index, submitter Submitter) error {
	candidates := c.Drain()
	for _, entityID := range candidates {
		hits := append(append([]mutationindex.Hit{}, pendingIdx.SearchEntityID(entityID)...), chainIdx.SearchEntityID(entityID)...)
		agg := aggregator.Fold(entityID, hits)
		if !agg.IsDeleted() {
			continue
		}

		var ids []types.OperationID
		for id := range agg.ActiveOperations {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}

		mutation := types.EntityMutation{
			EntityID:           entityID,
			Kind:                types.MutationDeleteOperations,
			DeleteOperationIDs: ids,
		}
		if err := submitter.SubmitMutation(mutation); err != nil {
			return err
		}
	}
	return nil
}

// EncodeDeleteOperationIDs renders operation ids the way the mutation
// index's document Fields["delete_operation_ids"] carries them for
// internal/aggregator's DeleteOperations fold rule to parse back out.
func EncodeDeleteOperationIDs(ids []types.OperationID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
