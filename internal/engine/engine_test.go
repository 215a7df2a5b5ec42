package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/transport"
	"github.com/exocore/cell/internal/types"
	"github.com/exocore/cell/internal/xlog"
)

func newChainStoreForTest(dir string) (*chainstore.Store, error) {
	return chainstore.Open(dir, 4, 1<<20, xlog.WithComponent("chainstore"))
}

func testNodes() []types.CellNode {
	return []types.CellNode{{ID: "node-a", Role: types.RoleChain}}
}

func newTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()
	dir := t.TempDir()
	store, err := newChainStoreForTest(dir)
	if err != nil {
		t.Fatalf("open chain store: %v", err)
	}
	net := transport.NewMockNetwork()
	tr := net.NewMockTransport("node-a", 16)
	e := New("node-a", testNodes(), pending.New(), store, tr, nil, Config{
		TickInterval:              50 * time.Millisecond,
		PendingMaxOpsPerRange:     500,
		CommitBlockOperationsSize: 10,
		CommitCleanupAfterDepth:   1000,
	})
	return e, func() { store.Close() }
}

func TestHandleOnStartEmitsStarted(t *testing.T) {
	e, cleanup := newTestEngine(t)
	defer cleanup()

	h := e.OnStart()
	defer h.Close()

	select {
	case ev := <-h.Events():
		if ev.Kind != EventStarted {
			t.Fatalf("first event kind = %v, want Started", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Started event")
	}
}

func TestWriteEntryOperationEmitsNewThenIgnored(t *testing.T) {
	e, cleanup := newTestEngine(t)
	defer cleanup()

	h := e.OnStart()
	defer h.Close()
	<-h.Events() // Started

	op := types.Operation{ID: 1, GroupID: 1, Kind: types.OpEntry, Frame: []byte("f")}
	if err := h.WriteEntryOperation(op); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := <-h.Events()
	if ev.Kind != EventPendingOperationNew || ev.OperationID != 1 {
		t.Fatalf("event = %+v, want PendingOperationNew(1)", ev)
	}

	if err := h.WriteEntryOperation(op); err != nil {
		t.Fatalf("write again: %v", err)
	}
	ev = <-h.Events()
	if ev.Kind != EventPendingIgnored {
		t.Fatalf("event = %+v, want PendingIgnored", ev)
	}
}

func TestHandleOnStopDropsSink(t *testing.T) {
	e, cleanup := newTestEngine(t)
	defer cleanup()

	h := e.OnStart()
	h.OnStop()

	e.mu.Lock()
	n := len(e.sinks)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("sinks = %d, want 0 after OnStop", n)
	}
}

func TestRunCommitsSingleNodeBlockOnTick(t *testing.T) {
	e, cleanup := newTestEngine(t)
	defer cleanup()

	h := e.OnStart()
	defer h.Close()
	<-h.Events() // Started

	op := types.Operation{ID: 1, GroupID: 1, Kind: types.OpEntry, Frame: []byte("f")}
	if err := h.WriteEntryOperation(op); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-h.Events() // PendingOperationNew

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case ev := <-h.Events():
		if ev.Kind != EventChainBlockNew {
			t.Fatalf("event = %+v, want ChainBlockNew", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a committed block")
	}

	cancel()
	<-done
}

func twoChainNodes() []types.CellNode {
	return []types.CellNode{{ID: "node-a", Role: types.RoleChain}, {ID: "node-b", Role: types.RoleChain}}
}

func newTwoNodeEngines(t *testing.T) (*Engine, *Engine, func()) {
	t.Helper()
	storeA, err := newChainStoreForTest(t.TempDir())
	if err != nil {
		t.Fatalf("open chain store a: %v", err)
	}
	storeB, err := newChainStoreForTest(t.TempDir())
	if err != nil {
		t.Fatalf("open chain store b: %v", err)
	}

	net := transport.NewMockNetwork()
	trA := net.NewMockTransport("node-a", 64)
	trB := net.NewMockTransport("node-b", 64)

	nodes := twoChainNodes()
	cfg := Config{
		TickInterval:              20 * time.Millisecond,
		PendingMaxOpsPerRange:     500,
		ChainSampleBegin:          2,
		ChainSampleEnd:            2,
		ChainSampleCount:          4,
		CommitBlockOperationsSize: 10,
		CommitCleanupAfterDepth:   1000,
	}

	eA := New("node-a", nodes, pending.New(), storeA, trA, []string{"node-b"}, cfg)
	eB := New("node-b", nodes, pending.New(), storeB, trB, []string{"node-a"}, cfg)

	return eA, eB, func() { storeA.Close(); storeB.Close() }
}

// TestTwoEnginesConvergePendingOperationsViaSync exercises §4.D's
// pending-sync round trip over a real transport.MockNetwork: an
// operation written only to node-a's pending store must reach node-b
// through dispatchChain's pending-sync request/response handling, not
// just the package-level primitives in isolation.
func TestTwoEnginesConvergePendingOperationsViaSync(t *testing.T) {
	eA, eB, cleanup := newTwoNodeEngines(t)
	defer cleanup()

	op := types.Operation{ID: 1, GroupID: 1, Kind: types.OpEntry, Frame: []byte("hello")}
	if _, err := eA.pendingStore.Put(op, types.CommitStatus{}); err != nil {
		t.Fatalf("seed op: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- eA.Run(ctx) }()
	go func() { doneB <- eB.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		if _, err := eB.pendingStore.Get(1); err == nil {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("node-b never received node-a's pending operation via sync")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-doneA
	<-doneB
}

// TestTwoEnginesReplicateAndCommitBlock exercises S2: a two-Chain-role
// cell where quorum requires both nodes' signatures. node-a's proposal
// and self-signature must gossip to node-b via pending sync, node-b must
// validate and sign back, and that signature must gossip back to
// node-a before either side's commitMgr.TryCommit can succeed.
func TestTwoEnginesReplicateAndCommitBlock(t *testing.T) {
	eA, eB, cleanup := newTwoNodeEngines(t)
	defer cleanup()

	op := types.Operation{ID: 1, GroupID: 1, Kind: types.OpEntry, Frame: []byte("hello")}
	if _, err := eA.pendingStore.Put(op, types.CommitStatus{}); err != nil {
		t.Fatalf("seed op: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- eA.Run(ctx) }()
	go func() { doneB <- eB.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		lastA, errA := eA.chainStore.GetLastBlock()
		lastB, errB := eB.chainStore.GetLastBlock()
		if errA == nil && errB == nil && lastA.Header.Height >= 1 &&
			lastA.Header.Height == lastB.Header.Height && bytes.Equal(lastA.Hash, lastB.Hash) {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("nodes never converged on a committed block (a=%+v/%v, b=%+v/%v)", lastA, errA, lastB, errB)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-doneA
	<-doneB
}

func TestRunRespectsContextCancellation(t *testing.T) {
	e, cleanup := newTestEngine(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
