// Package engine implements §4.G: the per-tick orchestrator that wires
// the pending store, pending sync, chain sync, and commit manager
// together, and exposes bounded per-handle event streams to clients.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/chainsync"
	"github.com/exocore/cell/internal/commit"
	"github.com/exocore/cell/internal/exoerr"
	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/pendingsync"
	"github.com/exocore/cell/internal/transport"
	"github.com/exocore/cell/internal/types"
	"github.com/exocore/cell/internal/xlog"
	"github.com/exocore/cell/internal/xmetrics"
)

// EventKind enumerates the engine events §4.G emits.
type EventKind int

const (
	EventStarted EventKind = iota
	EventPendingOperationNew
	EventPendingIgnored
	EventChainBlockNew
	EventChainDiverged
	EventStreamDiscontinuity
)

// Event is one item in a handle's event stream.
type Event struct {
	Kind        EventKind
	OperationID types.OperationID
	Offset      int64
}

// handleEventBufferSize bounds each registered handle's event channel;
// overflow replaces the stream with a single StreamDiscontinuity event.
const handleEventBufferSize = 256

// maxBlocksPerResponse bounds how many blocks a single BlocksResponse
// carries, the streaming bound of §4.E's "bounded" block download.
const maxBlocksPerResponse = 64

type handleSink struct {
	ch chan Event
}

// Engine owns the per-cell state machine: pending store, chain store,
// sync protocols, and the commit manager. One Engine instance runs the
// single-threaded cooperative tick loop of §5; the tick loop and the
// transport dispatch loop share one goroutine (Run's select), while
// each sync round trip runs in its own short-lived goroutine bounded by
// a round-trip timeout so a slow or unresponsive peer never stalls the
// tick loop itself.
type Engine struct {
	mu sync.Mutex

	nodeID string
	nodes  []types.CellNode

	pendingStore *pending.Store
	chainStore   *chainstore.Store
	commitMgr    *commit.Manager
	syncSession  chainsync.Session

	tr         transport.Transport
	correlator *transport.Correlator

	peerOrder []string
	peerIdx   int

	sinks      map[int]*handleSink
	nextSinkID int

	proposedHeights map[uint64]bool

	cfg Config

	cancel context.CancelFunc
}

// Config carries the tunables §4.G-§4.K name, sourced from
// internal/config.Cell at startup.
type Config struct {
	TickInterval              time.Duration
	PendingMaxOpsPerRange     int
	ChainSampleBegin          int
	ChainSampleEnd            int
	ChainSampleCount          int
	CommitCleanupAfterDepth   uint64
	CommitBlockOperationsSize int
}

// New builds an Engine. peers is the ordered set of Chain-role peer node
// ids: pending-sync rounds round-robin across them, and each chain-sync
// round samples all of them.
func New(nodeID string, nodes []types.CellNode, pendingStore *pending.Store, chainStore *chainstore.Store, tr transport.Transport, peers []string, cfg Config) *Engine {
	return &Engine{
		nodeID:          nodeID,
		nodes:           nodes,
		pendingStore:    pendingStore,
		chainStore:      chainStore,
		commitMgr:       commit.NewManager(pendingStore, chainStore, nodeID, nodes),
		tr:              tr,
		correlator:      transport.NewCorrelator(),
		peerOrder:       peers,
		sinks:           make(map[int]*handleSink),
		proposedHeights: make(map[uint64]bool),
		cfg:             cfg,
	}
}

// Handle is a client's view onto a running Engine.
type Handle struct {
	engine *Engine
	sinkID int
	ch     chan Event
}

// OnStart registers a new handle and emits Started on its stream.
func (e *Engine) OnStart() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSinkID
	e.nextSinkID++
	ch := make(chan Event, handleEventBufferSize)
	e.sinks[id] = &handleSink{ch: ch}

	h := &Handle{engine: e, sinkID: id, ch: ch}
	select {
	case ch <- Event{Kind: EventStarted}:
	default:
	}
	return h
}

// OnStop unregisters the handle, dropping its event sink.
func (h *Handle) OnStop() {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	delete(h.engine.sinks, h.sinkID)
}

// Events returns the handle's event channel.
func (h *Handle) Events() <-chan Event { return h.ch }

// Close is an alias for OnStop matching common Handle-API naming.
func (h *Handle) Close() { h.OnStop() }

// WriteEntryOperation submits a new Entry operation into the pending
// store and emits PendingOperationNew (or PendingIgnored if it already
// existed).
func (h *Handle) WriteEntryOperation(op types.Operation) error {
	existed, err := h.engine.pendingStore.Put(op, types.CommitStatus{})
	if err != nil {
		return err
	}
	if existed {
		h.engine.broadcast(Event{Kind: EventPendingIgnored, OperationID: op.ID})
	} else {
		xmetrics.PendingOperationsTotal.Inc()
		h.engine.broadcast(Event{Kind: EventPendingOperationNew, OperationID: op.ID})
	}
	return nil
}

// GetChainSegments returns the chain store's on-disk segment ranges.
func (h *Handle) GetChainSegments() []types.SegmentRange {
	return h.engine.chainStore.Segments()
}

// GetChainOperation returns the chain-committed block containing opID.
func (h *Handle) GetChainOperation(opID types.OperationID) (*types.Block, error) {
	return h.engine.chainStore.GetBlockByOperationID(opID)
}

// GetChainOperations returns the chain-committed blocks for each id.
func (h *Handle) GetChainOperations(opIDs []types.OperationID) ([]*types.Block, error) {
	out := make([]*types.Block, 0, len(opIDs))
	for _, id := range opIDs {
		blk, err := h.engine.chainStore.GetBlockByOperationID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, blk)
	}
	return out, nil
}

// GetPendingOperation returns one pending-store operation.
func (h *Handle) GetPendingOperation(opID types.OperationID) (*pending.StoredOperation, error) {
	return h.engine.pendingStore.Get(opID)
}

// GetPendingOperations returns every pending operation in a group.
func (h *Handle) GetPendingOperations(groupID types.GroupID) ([]pending.StoredOperation, error) {
	return h.engine.pendingStore.GetGroup(groupID)
}

// GetOperation looks an operation up in the pending store first, falling
// back to the chain store.
func (h *Handle) GetOperation(opID types.OperationID) (*types.Operation, *types.CommitStatus, error) {
	if op, err := h.engine.pendingStore.Get(opID); err == nil {
		return &types.Operation{ID: op.OperationID, GroupID: op.GroupID, Kind: op.Kind, Frame: op.Frame}, &op.CommitStatus, nil
	}
	blk, err := h.engine.chainStore.GetBlockByOperationID(opID)
	if err != nil {
		return nil, nil, err
	}
	status := types.CommitStatus{Kind: types.StatusCommitted, BlockOffset: blk.Header.Offset}
	return nil, &status, nil
}

func (e *Engine) broadcast(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sink := range e.sinks {
		select {
		case sink.ch <- ev:
		default:
			// channel full: replace the stream with a discontinuity marker.
			drainAndMark(sink.ch)
			_ = id
		}
	}
}

func drainAndMark(ch chan Event) {
	for {
		select {
		case <-ch:
		default:
			select {
			case ch <- Event{Kind: EventStreamDiscontinuity}:
			default:
			}
			return
		}
	}
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			timer := xmetrics.NewTimer()
			e.tick()
			timer.ObserveDuration(xmetrics.EngineTickDuration)
		case msg, ok := <-e.tr.Inbox():
			if !ok {
				return exoerr.New(exoerr.Transport, "engine.Run", errInboxClosed)
			}
			e.dispatch(msg)
		}
	}
}

// tick performs one full orchestrator pass: one pending-sync round with
// a round-robin peer, one chain-sync tick, and one commit-manager tick.
// The sync rounds hand their network round trips off to background
// goroutines so a slow peer never blocks this loop from also servicing
// e.tr.Inbox(), which is what those same round trips are waiting on.
func (e *Engine) tick() {
	e.runPendingSyncRound()
	e.runChainSyncTick()
	e.runCommitTick()
}

func (e *Engine) roundTripTimeout() time.Duration {
	if e.cfg.TickInterval <= 0 {
		return 2 * time.Second
	}
	return 4 * e.cfg.TickInterval
}

func (e *Engine) nextPeer() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peerOrder) == 0 {
		return "", false
	}
	peer := e.peerOrder[e.peerIdx%len(e.peerOrder)]
	e.peerIdx++
	return peer, true
}

// chainPeers returns a snapshot of every peer this engine syncs the
// chain with; chain-sync samples all of them each round so ElectLead
// has more than one candidate to choose from.
func (e *Engine) chainPeers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.peerOrder))
	copy(out, e.peerOrder)
	return out
}

// runPendingSyncRound fans the current range partition out to the
// round-robin peer, one goroutine per range, per §4.D.
func (e *Engine) runPendingSyncRound() {
	peer, ok := e.nextPeer()
	if !ok {
		return
	}
	ranges := pendingsync.Partition(e.pendingStore, e.cfg.PendingMaxOpsPerRange)
	for _, r := range ranges {
		go e.syncRangeWithPeer(peer, r)
	}
}

// syncRangeWithPeer drives one range's reconciliation with peer: send
// our hash+count, then escalate to headers and finally a targeted
// frame request only for the operation ids that turn out to be
// missing, bounding the round to at most two request/response pairs.
func (e *Engine) syncRangeWithPeer(peer string, r pendingsync.Range) {
	timer := xmetrics.NewTimer()
	defer timer.ObserveDuration(xmetrics.PendingSyncRoundDuration)

	ctx, cancel := context.WithTimeout(context.Background(), e.roundTripTimeout())
	defer cancel()

	req := pendingsync.BuildHashCount(e.pendingStore, r)
	resp, ok := e.sendPendingSync(ctx, peer, req)
	if !ok {
		return
	}

	switch resp.Rep {
	case pendingsync.RepHashCount:
		return
	case pendingsync.RepHeaders:
		missing := pendingsync.MissingFrameIDs(e.pendingStore, r, resp.Headers)
		if len(missing) == 0 {
			return
		}
		frameReq := pendingsync.RangeMessage{Range: r, Rep: pendingsync.RepFrameRequest, RequestIDs: missing}
		frameResp, ok := e.sendPendingSync(ctx, peer, frameReq)
		if !ok {
			return
		}
		if _, err := pendingsync.ApplyFrames(e.pendingStore, frameResp.Frames); err != nil {
			xlog.Logger.Warn().Err(err).Msg("apply synced pending frames")
		}
	case pendingsync.RepFullFrames:
		if _, err := pendingsync.ApplyFrames(e.pendingStore, resp.Frames); err != nil {
			xlog.Logger.Warn().Err(err).Msg("apply synced pending frames")
		}
	}
}

// sendPendingSync sends one RangeMessage to peer and blocks for the
// matching reply, correlated by a fresh rendezvous id.
func (e *Engine) sendPendingSync(ctx context.Context, peer string, msg pendingsync.RangeMessage) (pendingsync.RangeMessage, bool) {
	payload, err := pendingsync.Encode(msg)
	if err != nil {
		return pendingsync.RangeMessage{}, false
	}
	rendezvousID := uuid.NewString()
	ch := e.correlator.Register(rendezvousID)
	out := transport.OutMessage{
		ToNodes:      []string{peer},
		ServiceType:  transport.ServiceChain,
		RendezvousID: rendezvousID,
		MessageType:  transport.MsgPendingSyncRequest,
		Payload:      payload,
	}
	if err := e.tr.Send(ctx, out); err != nil {
		return pendingsync.RangeMessage{}, false
	}
	in, err := e.correlator.Wait(ctx, rendezvousID, ch)
	if err != nil {
		return pendingsync.RangeMessage{}, false
	}
	resp, err := pendingsync.Decode(in.Payload)
	if err != nil {
		return pendingsync.RangeMessage{}, false
	}
	return resp, true
}

// handlePendingSyncRequest answers an incoming pending-sync request with
// whichever representation the requester needs next to converge, or, for
// a RepFrameRequest follow-up, the specific frames it asked for.
func (e *Engine) handlePendingSyncRequest(msg transport.InMessage) {
	req, err := pendingsync.Decode(msg.Payload)
	if err != nil {
		return
	}

	var resp pendingsync.RangeMessage
	if req.Rep == pendingsync.RepFrameRequest {
		resp = pendingsync.BuildFramesForIDs(e.pendingStore, req.Range, req.RequestIDs)
	} else {
		switch pendingsync.Compare(e.pendingStore, req) {
		case pendingsync.Converged:
			resp = pendingsync.BuildHashCount(e.pendingStore, req.Range)
		case pendingsync.RequestHeaders:
			resp = pendingsync.BuildHeaders(e.pendingStore, req.Range)
		case pendingsync.ReplyDiverge:
			resp = pendingsync.BuildFrames(e.pendingStore, req.Range)
		}
	}

	payload, err := pendingsync.Encode(resp)
	if err != nil {
		return
	}
	e.sendOut(msg.FromNode, transport.ServiceChain, transport.MsgPendingSyncResponse, msg.RendezvousID, payload)
}

// runChainSyncTick starts a fresh sample-and-reconcile attempt whenever
// the session is Idle; an attempt already in flight is left alone until
// it finishes or abandons.
func (e *Engine) runChainSyncTick() {
	e.mu.Lock()
	if e.syncSession.State != chainsync.Idle {
		e.mu.Unlock()
		return
	}
	e.syncSession.State = chainsync.Sampling
	e.mu.Unlock()

	peers := e.chainPeers()
	if len(peers) == 0 {
		e.mu.Lock()
		e.syncSession.Abandon()
		e.mu.Unlock()
		return
	}
	go e.sampleAndReconcile(peers)
}

// chainSample pairs one peer's SampleResponse with the request it
// answered, so the elected lead's response can be reused directly
// without a second round trip.
type chainSample struct {
	peer string
	resp chainsync.SampleResponse
}

// sampleAndReconcile samples every chain peer concurrently, uses
// ElectLead to pick whichever reports the highest (height, hash) tip,
// and, depending on the divergence against that lead, either walks away
// (in sync or peer behind), truncates and downloads (forked), or just
// downloads (peer ahead).
func (e *Engine) sampleAndReconcile(peers []string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.roundTripTimeout())
	defer cancel()
	defer e.abandonIfSampling()

	req := chainsync.SampleRequest{BeginCount: e.cfg.ChainSampleBegin, EndCount: e.cfg.ChainSampleEnd, SampledCount: e.cfg.ChainSampleCount}
	localSample, err := chainsync.BuildSample(e.chainStore, req)
	if err != nil {
		return
	}
	var localHeight uint64
	var localHash []byte
	if last, err := e.chainStore.GetLastBlock(); err == nil {
		localHeight = last.Header.Height
		localHash = last.Hash
	}

	results := make(chan chainSample, len(peers))
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			if resp, ok := e.sendChainSample(ctx, peer, req); ok {
				results <- chainSample{peer: peer, resp: resp}
			}
		}(peer)
	}
	go func() { wg.Wait(); close(results) }()

	samples := make(map[string]chainSample)
	peerInfos := make([]chainsync.PeerInfo, 0, len(peers))
	for s := range results {
		samples[s.peer] = s
		peerInfos = append(peerInfos, chainsync.PeerInfo{NodeID: s.peer, Height: s.resp.TipHeight, Hash: s.resp.TipHash})
	}
	if len(peerInfos) == 0 {
		return
	}

	lead, ok := chainsync.ElectLead(chainsync.PeerInfo{NodeID: e.nodeID, Height: localHeight, Hash: localHash}, peerInfos)
	if !ok {
		return
	}
	sample := samples[lead.NodeID]

	result := chainsync.Compare(localSample, sample.resp.Headers, sample.resp.TipHeight, sample.resp.TipHash, localHeight, localHash)
	switch result.Kind {
	case chainsync.InSync, chainsync.PeerBehind:
		return
	case chainsync.Forked:
		e.beginForkRecovery(ctx, lead.NodeID, result)
	case chainsync.PeerAhead:
		e.beginDownload(ctx, lead.NodeID, result)
	}
}

func (e *Engine) abandonIfSampling() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncSession.State == chainsync.Sampling {
		e.syncSession.Abandon()
	}
}

func (e *Engine) beginDownload(ctx context.Context, peer string, result chainsync.DivergenceResult) {
	var fromOffset int64
	if last, err := e.chainStore.GetLastBlock(); err == nil {
		fromOffset = blockNextOffset(last)
	}
	e.mu.Lock()
	e.syncSession.BeginDownload(peer, result.ForkHeight, fromOffset)
	e.mu.Unlock()
	e.downloadBlocksFromPeer(ctx, peer)
}

func (e *Engine) beginForkRecovery(ctx context.Context, peer string, result chainsync.DivergenceResult) {
	forkBlock, err := e.blockAtHeight(result.ForkHeight)
	if err != nil {
		e.mu.Lock()
		e.syncSession.Abandon()
		e.mu.Unlock()
		return
	}
	truncateOffset := blockNextOffset(forkBlock)

	e.mu.Lock()
	e.syncSession.BeginTruncate(truncateOffset)
	e.mu.Unlock()

	if err := e.chainStore.TruncateFrom(truncateOffset); err != nil {
		xlog.Logger.Warn().Err(err).Msg("truncate for chain fork recovery")
		e.mu.Lock()
		e.syncSession.Abandon()
		e.mu.Unlock()
		return
	}
	e.broadcast(Event{Kind: EventChainDiverged, Offset: truncateOffset})

	e.mu.Lock()
	e.syncSession.BeginDownload(peer, result.ForkHeight, truncateOffset)
	e.mu.Unlock()
	e.downloadBlocksFromPeer(ctx, peer)
}

// downloadBlocksFromPeer streams bounded batches of blocks from peer
// starting at the session's current offset, applying each under the
// Chain-role quorum gate, until the peer runs dry, a batch comes back
// short (end of what the peer has), or validation fails.
func (e *Engine) downloadBlocksFromPeer(ctx context.Context, peer string) {
	for {
		e.mu.Lock()
		inFlight := e.syncSession.State == chainsync.Downloading && e.syncSession.PeerNodeID == peer
		fromOffset := e.syncSession.NextOffset
		e.mu.Unlock()
		if !inFlight {
			return
		}

		resp, ok := e.sendChainBlocks(ctx, peer, chainsync.BlocksRequest{FromOffset: fromOffset})
		if !ok || len(resp.Blocks) == 0 {
			e.mu.Lock()
			e.syncSession.Abandon()
			e.mu.Unlock()
			return
		}

		quorum := e.quorumFn()
		for _, bf := range resp.Blocks {
			offset, err := chainsync.ApplyBlock(e.chainStore, bf.Header, bf.OperationsData, bf.Signatures, quorum)
			if err != nil {
				xlog.Logger.Warn().Err(err).Msg("apply synced block")
				e.mu.Lock()
				e.syncSession.Abandon()
				e.mu.Unlock()
				return
			}
			e.mu.Lock()
			e.syncSession.NextOffset = offset
			e.mu.Unlock()
			e.broadcast(Event{Kind: EventChainBlockNew, Offset: offset})
			xmetrics.ChainHeight.Set(float64(bf.Header.Height))
		}

		if len(resp.Blocks) < maxBlocksPerResponse {
			e.mu.Lock()
			e.syncSession.Abandon()
			e.mu.Unlock()
			return
		}
	}
}

func (e *Engine) quorumFn() func([]types.BlockSignature) bool {
	need := types.Quorum(len(types.ChainNodes(e.nodes)))
	return func(sigs []types.BlockSignature) bool { return len(sigs) >= need }
}

func (e *Engine) blockAtHeight(height uint64) (*types.Block, error) {
	iter := e.chainStore.BlocksIter(0)
	for {
		blk, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if blk == nil {
			return nil, exoerr.New(exoerr.NotFound, "engine.blockAtHeight", errBlockNotFound)
		}
		if blk.Header.Height == height {
			return blk, nil
		}
	}
}

func blockNextOffset(blk *types.Block) int64 {
	encoded, _ := chainstore.EncodeBlock(blk.Header, blk.OperationsData, blk.Signatures)
	return blk.Header.Offset + int64(len(encoded))
}

func (e *Engine) sendChainSample(ctx context.Context, peer string, req chainsync.SampleRequest) (chainsync.SampleResponse, bool) {
	payload, err := chainsync.EncodeSampleRequest(req)
	if err != nil {
		return chainsync.SampleResponse{}, false
	}
	rendezvousID := uuid.NewString()
	ch := e.correlator.Register(rendezvousID)
	out := transport.OutMessage{
		ToNodes:      []string{peer},
		ServiceType:  transport.ServiceChain,
		RendezvousID: rendezvousID,
		MessageType:  transport.MsgChainSampleRequest,
		Payload:      payload,
	}
	if err := e.tr.Send(ctx, out); err != nil {
		return chainsync.SampleResponse{}, false
	}
	in, err := e.correlator.Wait(ctx, rendezvousID, ch)
	if err != nil {
		return chainsync.SampleResponse{}, false
	}
	resp, err := chainsync.DecodeSampleResponse(in.Payload)
	if err != nil {
		return chainsync.SampleResponse{}, false
	}
	return resp, true
}

func (e *Engine) sendChainBlocks(ctx context.Context, peer string, req chainsync.BlocksRequest) (chainsync.BlocksResponse, bool) {
	payload, err := chainsync.EncodeBlocksRequest(req)
	if err != nil {
		return chainsync.BlocksResponse{}, false
	}
	rendezvousID := uuid.NewString()
	ch := e.correlator.Register(rendezvousID)
	out := transport.OutMessage{
		ToNodes:      []string{peer},
		ServiceType:  transport.ServiceChain,
		RendezvousID: rendezvousID,
		MessageType:  transport.MsgChainBlocksRequest,
		Payload:      payload,
	}
	if err := e.tr.Send(ctx, out); err != nil {
		return chainsync.BlocksResponse{}, false
	}
	in, err := e.correlator.Wait(ctx, rendezvousID, ch)
	if err != nil {
		return chainsync.BlocksResponse{}, false
	}
	resp, err := chainsync.DecodeBlocksResponse(in.Payload)
	if err != nil {
		return chainsync.BlocksResponse{}, false
	}
	return resp, true
}

func (e *Engine) handleChainSampleRequest(msg transport.InMessage) {
	req, err := chainsync.DecodeSampleRequest(msg.Payload)
	if err != nil {
		return
	}
	headers, err := chainsync.BuildSample(e.chainStore, req)
	if err != nil {
		return
	}
	var tipHeight uint64
	var tipHash []byte
	if last, err := e.chainStore.GetLastBlock(); err == nil {
		tipHeight = last.Header.Height
		tipHash = last.Hash
	}
	resp := chainsync.SampleResponse{Headers: headers, TipHeight: tipHeight, TipHash: tipHash, NodeID: e.nodeID}
	payload, err := chainsync.EncodeSampleResponse(resp)
	if err != nil {
		return
	}
	e.sendOut(msg.FromNode, transport.ServiceChain, transport.MsgChainSampleResponse, msg.RendezvousID, payload)
}

func (e *Engine) handleChainBlocksRequest(msg transport.InMessage) {
	req, err := chainsync.DecodeBlocksRequest(msg.Payload)
	if err != nil {
		return
	}
	var frames []chainsync.BlockFrame
	iter := e.chainStore.BlocksIter(req.FromOffset)
	for len(frames) < maxBlocksPerResponse {
		blk, err := iter.Next()
		if err != nil || blk == nil {
			break
		}
		frames = append(frames, chainsync.BlockFrame{Header: blk.Header, OperationsData: blk.OperationsData, Signatures: blk.Signatures})
	}
	payload, err := chainsync.EncodeBlocksResponse(chainsync.BlocksResponse{Blocks: frames})
	if err != nil {
		return
	}
	e.sendOut(msg.FromNode, transport.ServiceChain, transport.MsgChainBlocksResponse, msg.RendezvousID, payload)
}

func (e *Engine) sendOut(toNode string, svc transport.ServiceType, mt transport.MessageType, rendezvousID string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.roundTripTimeout())
	defer cancel()
	out := transport.OutMessage{ToNodes: []string{toNode}, ServiceType: svc, RendezvousID: rendezvousID, MessageType: mt, Payload: payload}
	if err := e.tr.Send(ctx, out); err != nil {
		xlog.Logger.Warn().Err(err).Msg("send reply")
	}
}

// runCommitTick ingests whatever propose/sign/refuse operations have
// been gossiped in since the last tick, proposes a block if self is
// this height's proposer and hasn't already, and commits and cleans up
// as usual.
func (e *Engine) runCommitTick() {
	e.ingestGossipedCommitOps()

	height := uint64(0)
	if last, err := e.chainStore.GetLastBlock(); err == nil {
		height = last.Header.Height + 1
	}

	if e.commitMgr.IsProposer(height) && !e.proposedHeights[height] {
		ops := commit.CollectForProposal(e.pendingStore, e.cfg.CommitBlockOperationsSize, 0)
		if len(ops) > 0 {
			last, _ := e.chainStore.GetLastBlock()
			proposerOpID := types.OperationID(height)<<32 | types.OperationID(len(ops))
			proposal := commit.BuildProposal(e.nodeID, proposerOpID, last, ops)
			e.commitMgr.RecordProposal(proposal)
			// The proposer signs its own proposal immediately and gossips
			// both the proposal and its signature via the pending store;
			// peers sign or refuse once ingestGossipedCommitOps picks the
			// proposal up on their own next tick.
			sig := types.BlockSignature{NodeID: e.nodeID, Signature: proposal.HeaderHash}
			e.commitMgr.Sign(proposal, sig)
			e.writeProposal(proposal)
			e.writeSignature(proposal, sig)
			e.proposedHeights[height] = true
		}
	}

	if offset, ok, err := e.commitMgr.TryCommit(height); err == nil && ok {
		xlog.Logger.Debug().Int64("offset", offset).Msg("committed block")
		e.broadcast(Event{Kind: EventChainBlockNew, Offset: offset})
		xmetrics.ChainHeight.Set(float64(height))
	}

	if last, err := e.chainStore.GetLastBlock(); err == nil && last.Header.Height >= e.cfg.CommitCleanupAfterDepth {
		e.commitMgr.Cleanup(last.Header.Height, e.cfg.CommitCleanupAfterDepth)
	}
}

// ingestGossipedCommitOps scans the pending store for BlockPropose,
// BlockSign, and BlockRefuse operations synced in from peers via §4.D
// and feeds them into the commit manager's in-memory quorum state.
// BlockPropose/Sign/Refuse never reach CollectForProposal (it only
// selects OpEntry), so repeatedly re-ingesting an already-known one here
// is harmless: Manager's Record* calls are idempotent.
func (e *Engine) ingestGossipedCommitOps() {
	e.pendingStore.Iter(0, 0, func(op pending.StoredOperation) bool {
		switch op.Kind {
		case types.OpBlockPropose:
			p, err := commit.DecodeProposal(op.Frame)
			if err != nil {
				return true
			}
			e.commitMgr.RecordProposal(p)
			e.maybeSignOrRefuse(p)
		case types.OpBlockSign:
			sp, err := commit.DecodeSignaturePayload(op.Frame)
			if err != nil {
				return true
			}
			e.commitMgr.RecordSignature(sp.ProposerOperationID, sp.Height, types.BlockSignature{NodeID: sp.NodeID, Signature: sp.Signature})
		case types.OpBlockRefuse:
			rp, err := commit.DecodeRefusalPayload(op.Frame)
			if err != nil {
				return true
			}
			e.commitMgr.RecordRefusal(rp.ProposerOperationID, rp.Height, rp.NodeID)
		}
		return true
	})
}

// maybeSignOrRefuse is the peer-side half of §4.F: validate a received
// proposal and gossip back a signature if it passes and self hasn't
// already signed a different proposal at this height, otherwise gossip
// a refusal.
func (e *Engine) maybeSignOrRefuse(p commit.Proposal) {
	if p.ProposerNodeID == e.nodeID {
		return
	}
	last, _ := e.chainStore.GetLastBlock()
	if _, ok := e.commitMgr.ValidateProposal(p, last); !ok {
		e.writeRefusal(p)
		return
	}
	sig := types.BlockSignature{NodeID: e.nodeID, Signature: p.HeaderHash}
	if e.commitMgr.Sign(p, sig) {
		e.writeSignature(p, sig)
		return
	}
	e.writeRefusal(p)
}

func (e *Engine) writeProposal(p commit.Proposal) {
	frame, err := commit.EncodeProposal(p)
	if err != nil {
		return
	}
	op := types.Operation{ID: p.ProposerOperationID, GroupID: p.ProposerOperationID, NodeID: p.ProposerNodeID, Kind: types.OpBlockPropose, Frame: frame}
	if _, err := e.pendingStore.Put(op, types.CommitStatus{}); err != nil {
		xlog.Logger.Warn().Err(err).Msg("gossip block proposal")
	}
}

func (e *Engine) writeSignature(p commit.Proposal, sig types.BlockSignature) {
	payload := commit.SignaturePayload{NodeID: sig.NodeID, ProposerOperationID: p.ProposerOperationID, Height: p.Height, Signature: sig.Signature}
	frame, err := commit.EncodeSignaturePayload(payload)
	if err != nil {
		return
	}
	id := deriveOpID(p.ProposerOperationID, sig.NodeID, 1)
	op := types.Operation{ID: id, GroupID: id, NodeID: sig.NodeID, Kind: types.OpBlockSign, Frame: frame}
	if _, err := e.pendingStore.Put(op, types.CommitStatus{}); err != nil {
		xlog.Logger.Warn().Err(err).Msg("gossip block signature")
	}
}

func (e *Engine) writeRefusal(p commit.Proposal) {
	e.commitMgr.RecordRefusal(p.ProposerOperationID, p.Height, e.nodeID)
	payload := commit.RefusalPayload{NodeID: e.nodeID, ProposerOperationID: p.ProposerOperationID, Height: p.Height}
	frame, err := commit.EncodeRefusalPayload(payload)
	if err != nil {
		return
	}
	id := deriveOpID(p.ProposerOperationID, e.nodeID, 2)
	op := types.Operation{ID: id, GroupID: id, NodeID: e.nodeID, Kind: types.OpBlockRefuse, Frame: frame}
	if _, err := e.pendingStore.Put(op, types.CommitStatus{}); err != nil {
		xlog.Logger.Warn().Err(err).Msg("gossip block refusal")
	}
}

// deriveOpID derives a pending-store operation id for a gossiped
// signature or refusal from the proposal it responds to, the
// responding node, and a per-kind salt, so each node's vote on a given
// proposal lands at its own id instead of colliding with others.
func deriveOpID(proposerOpID types.OperationID, nodeID string, salt uint64) types.OperationID {
	return proposerOpID ^ types.OperationID(xxhash.Sum64String(nodeID)) ^ salt
}

func (e *Engine) dispatch(msg transport.InMessage) {
	if e.correlator.Resolve(msg) {
		return
	}
	switch msg.ServiceType {
	case transport.ServiceChain:
		e.dispatchChain(msg)
	case transport.ServiceStore:
		// Store-service mutation/query requests are handled by the
		// entityindex/gc layer above the engine; the engine only routes
		// chain-role replication traffic.
	}
}

// dispatchChain routes an unclaimed (not a pending correlated reply)
// chain-service message to its request handler. Responses that arrive
// with nothing awaiting them (e.g. after their requester already timed
// out) fall through with no case and are dropped.
func (e *Engine) dispatchChain(msg transport.InMessage) {
	switch msg.MessageType {
	case transport.MsgPendingSyncRequest:
		e.handlePendingSyncRequest(msg)
	case transport.MsgChainSampleRequest:
		e.handleChainSampleRequest(msg)
	case transport.MsgChainBlocksRequest:
		e.handleChainBlocksRequest(msg)
	}
}

type engineErr string

func (e engineErr) Error() string { return string(e) }

const errInboxClosed = engineErr("transport inbox closed")
const errBlockNotFound = engineErr("no block at requested height")
