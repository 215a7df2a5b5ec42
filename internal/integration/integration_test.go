// Package integration exercises end-to-end scenarios across the chain
// store, pending store, and commit manager on a single simulated node,
// mirroring spec.md §8's S1/S3/S4 scenarios, plus S5's proposer
// selection in a mixed-role cell.
package integration

import (
	"path/filepath"
	"testing"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/commit"
	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/types"
	"github.com/exocore/cell/internal/xlog"
)

func openChainStore(t *testing.T, dir string) *chainstore.Store {
	t.Helper()
	s, err := chainstore.Open(dir, 4, 1<<20, xlog.WithComponent("chainstore"))
	if err != nil {
		t.Fatalf("open chain store: %v", err)
	}
	return s
}

func entry(id types.OperationID, nodeID string, payload []byte) types.Operation {
	return types.Operation{ID: id, GroupID: id, NodeID: nodeID, Kind: types.OpEntry, Frame: payload}
}

// commitOne drives a single-node proposal through to a committed block
// for one pending operation and returns the new chain offset.
func commitOne(t *testing.T, mgr *commit.Manager, store *pending.Store, chain *chainstore.Store, nodeID string, op types.Operation) int64 {
	t.Helper()
	if _, err := store.Put(op, types.CommitStatus{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	last, _ := chain.GetLastBlock()
	height := uint64(0)
	if last != nil {
		height = last.Header.Height + 1
	}

	ops := commit.CollectForProposal(store, 0, 0)
	proposerOpID := op.ID + 1_000_000
	proposal := commit.BuildProposal(nodeID, proposerOpID, last, ops)
	mgr.RecordProposal(proposal)
	mgr.RecordSignature(proposerOpID, height, types.BlockSignature{NodeID: nodeID, Signature: []byte("sig")})

	offset, ok, err := mgr.TryCommit(height)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !ok {
		t.Fatalf("expected commit at height %d", height)
	}

	for _, stored := range ops {
		store.UpdateCommitStatus(stored.OperationID, types.CommitStatus{Kind: types.StatusCommitted, BlockOffset: offset})
	}
	return offset
}

// TestSingleNodeWriteAndReadBack mirrors S1: two entries committed in
// sequence, both retrievable with Committed status, tip height advances.
func TestSingleNodeWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	chain := openChainStore(t, filepath.Join(dir, "chain"))
	defer chain.Close()

	store := pending.New()
	nodes := []types.CellNode{{ID: "n1", Role: types.RoleChain}}
	mgr := commit.NewManager(store, chain, "n1", nodes)

	commitOne(t, mgr, store, chain, "n1", entry(1, "n1", []byte("i love rust 1")))
	commitOne(t, mgr, store, chain, "n1", entry(2, "n1", []byte("i love rust 2")))

	last, err := chain.GetLastBlock()
	if err != nil {
		t.Fatalf("get last block: %v", err)
	}
	if last.Header.Height < 1 {
		t.Fatalf("tip height = %d, want >= 1", last.Header.Height)
	}

	op1, err := store.Get(1)
	if err != nil {
		t.Fatalf("get op1: %v", err)
	}
	if !op1.CommitStatus.IsCommitted() {
		t.Fatalf("op1 should be committed")
	}
	op2, err := store.Get(2)
	if err != nil {
		t.Fatalf("get op2: %v", err)
	}
	if !op2.CommitStatus.IsCommitted() {
		t.Fatalf("op2 should be committed")
	}
}

// TestPendingCleanupAfterDepth mirrors S3: after three sequential
// commits with cleanup_after_block_depth=2, the first operation is gone
// from the pending store.
func TestPendingCleanupAfterDepth(t *testing.T) {
	dir := t.TempDir()
	chain := openChainStore(t, filepath.Join(dir, "chain"))
	defer chain.Close()

	store := pending.New()
	nodes := []types.CellNode{{ID: "n1", Role: types.RoleChain}}
	mgr := commit.NewManager(store, chain, "n1", nodes)

	commitOne(t, mgr, store, chain, "n1", entry(1, "n1", []byte("op1")))
	commitOne(t, mgr, store, chain, "n1", entry(2, "n1", []byte("op2")))
	commitOne(t, mgr, store, chain, "n1", entry(3, "n1", []byte("op3")))

	last, err := chain.GetLastBlock()
	if err != nil {
		t.Fatalf("get last block: %v", err)
	}
	if err := mgr.Cleanup(last.Header.Height, 2); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := store.Get(1); err == nil {
		t.Fatalf("expected operation 1 to be cleaned up")
	}
}

// TestRestartPersistence mirrors S4: after a commit, closing and
// reopening the chain store still reports the operation committed.
func TestRestartPersistence(t *testing.T) {
	dir := t.TempDir()
	chainDir := filepath.Join(dir, "chain")

	chain := openChainStore(t, chainDir)
	store := pending.New()
	nodes := []types.CellNode{{ID: "n1", Role: types.RoleChain}}
	mgr := commit.NewManager(store, chain, "n1", nodes)

	commitOne(t, mgr, store, chain, "n1", entry(1, "n1", []byte("op1")))
	chain.Close()

	reopened := openChainStore(t, chainDir)
	defer reopened.Close()

	blk, err := reopened.GetBlockByOperationID(1)
	if err != nil {
		t.Fatalf("get block by operation id after restart: %v", err)
	}
	if blk.Header.Height == 0 && blk.Header.ProposedOperationID == 0 {
		t.Fatalf("expected the committed block to survive restart")
	}
}

// TestMixedRoleCellOnlyChainNodeProposes mirrors S5: a non-Chain-role
// node is never selected as proposer.
func TestMixedRoleCellOnlyChainNodeProposes(t *testing.T) {
	nodes := []types.CellNode{
		{ID: "n1", Role: types.RoleChain},
		{ID: "n2", Role: types.RoleStore},
	}
	for h := uint64(0); h < 5; h++ {
		if got := commit.ProposerForHeight(nodes, h); got != "n1" {
			t.Fatalf("height %d proposer = %q, want n1 (n2 is not Chain-role)", h, got)
		}
	}
}
