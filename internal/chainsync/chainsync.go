// Package chainsync implements §4.E: sampled-headers divergence
// detection, lead election among Chain-role peers, and bounded block
// streaming to repair a lagging or forked local chain.
package chainsync

import (
	"bytes"
	"encoding/gob"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/types"
)

// PartialHeader is the subset of a block header sent over the wire for
// sampled-headers comparison.
type PartialHeader struct {
	Offset int64
	Height uint64
	Hash   []byte
}

// SampleRequest asks a peer for a sampled set of block headers.
type SampleRequest struct {
	FromOffset  int64
	ToOffset    *int64
	BeginCount  int
	EndCount    int
	SampledCount int
}

// SampleResponse carries a peer's sampled headers plus its current tip,
// so the requester can run Compare without a further round trip.
type SampleResponse struct {
	Headers   []PartialHeader
	TipHeight uint64
	TipHash   []byte
	NodeID    string
}

// BlocksRequest asks a peer for the blocks starting at FromOffset; the
// responding peer bounds the reply by its own per-response block count.
type BlocksRequest struct {
	FromOffset int64
}

// BlockFrame is one block's wire bytes, enough to validate and append
// via ApplyBlock.
type BlockFrame struct {
	Header         types.BlockHeader
	OperationsData []byte
	Signatures     []types.BlockSignature
}

// BlocksResponse carries a bounded run of blocks starting at the
// requested offset.
type BlocksResponse struct {
	Blocks []BlockFrame
}

func init() {
	gob.Register(SampleRequest{})
	gob.Register(SampleResponse{})
	gob.Register(BlocksRequest{})
	gob.Register(BlocksResponse{})
}

// EncodeSampleRequest/-Response and EncodeBlocksRequest/-Response
// serialize the chain-sync wire messages for transport; Decode* mirrors
// each.
func EncodeSampleRequest(r SampleRequest) ([]byte, error)   { return encodeGob(r) }
func DecodeSampleRequest(b []byte) (SampleRequest, error)   { var r SampleRequest; return r, decodeGob(b, &r) }
func EncodeSampleResponse(r SampleResponse) ([]byte, error) { return encodeGob(r) }
func DecodeSampleResponse(b []byte) (SampleResponse, error) {
	var r SampleResponse
	return r, decodeGob(b, &r)
}
func EncodeBlocksRequest(r BlocksRequest) ([]byte, error) { return encodeGob(r) }
func DecodeBlocksRequest(b []byte) (BlocksRequest, error) {
	var r BlocksRequest
	return r, decodeGob(b, &r)
}
func EncodeBlocksResponse(r BlocksResponse) ([]byte, error) { return encodeGob(r) }
func DecodeBlocksResponse(b []byte) (BlocksResponse, error) {
	var r BlocksResponse
	return r, decodeGob(b, &r)
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(out)
}

// FromSampledChainSlice computes which heights, out of [0, lastHeight],
// are included in a sampled-headers response: the first BeginCount and
// last EndCount heights, plus the SampledCount heights step, 2*step, ...,
// SampledCount*step with step = (lastHeight+1)/(SampledCount+1),
// deduplicated and sorted ascending.
//
// Matches S6's literal test vector: heights [0,1] ++ every 9th up to 90
// ++ [98,99] for a 100-block chain sampled with begin=2,end=2,sampled=10.
func FromSampledChainSlice(lastHeight uint64, beginCount, endCount, sampledCount int) []uint64 {
	total := lastHeight + 1
	seen := make(map[uint64]bool)
	var heights []uint64
	add := func(h uint64) {
		if h <= lastHeight && !seen[h] {
			seen[h] = true
			heights = append(heights, h)
		}
	}

	for i := 0; i < beginCount && uint64(i) <= lastHeight; i++ {
		add(uint64(i))
	}
	for i := 0; i < endCount; i++ {
		if lastHeight < uint64(i) {
			break
		}
		add(lastHeight - uint64(i))
	}

	if sampledCount > 0 {
		step := total / uint64(sampledCount+1)
		if step == 0 {
			step = 1
		}
		for i := uint64(1); i <= uint64(sampledCount); i++ {
			add(i * step)
		}
	}

	sortedHeights(heights)
	return heights
}

func sortedHeights(h []uint64) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h[j-1] > h[j]; j-- {
			h[j-1], h[j] = h[j], h[j-1]
		}
	}
}

// BuildSample reads the local store and returns partial headers for the
// sampled heights computed from its current tip.
func BuildSample(store *chainstore.Store, req SampleRequest) ([]PartialHeader, error) {
	last, err := store.GetLastBlock()
	if err != nil {
		return nil, err
	}
	heights := FromSampledChainSlice(last.Header.Height, req.BeginCount, req.EndCount, req.SampledCount)

	byHeight := make(map[uint64]PartialHeader, len(heights))
	want := make(map[uint64]bool, len(heights))
	for _, h := range heights {
		want[h] = true
	}

	iter := store.BlocksIter(0)
	for {
		blk, err := iter.Next()
		if err != nil || blk == nil {
			break
		}
		if want[blk.Header.Height] {
			byHeight[blk.Header.Height] = PartialHeader{Offset: blk.Header.Offset, Height: blk.Header.Height, Hash: blk.Hash}
		}
	}

	out := make([]PartialHeader, 0, len(heights))
	for _, h := range heights {
		if ph, ok := byHeight[h]; ok {
			out = append(out, ph)
		}
	}
	return out, nil
}

// DivergenceKind classifies the result of comparing a peer's sample to
// the local chain.
type DivergenceKind int

const (
	// InSync means every sampled height matches and tips are equal.
	InSync DivergenceKind = iota
	// PeerAhead means the peer's tip is higher and all common heights agree.
	PeerAhead
	// PeerBehind means the peer's tip is lower and no sampled height
	// disagrees; Compare does not check that the peer's tip hash is present
	// in the local chain. No repair action is taken from this side.
	PeerBehind
	// Forked means a sampled hash disagreement was found; ForkHeight names
	// the last agreeing height.
	Forked
)

// DivergenceResult is the outcome of comparing a local sample to a
// peer's sample.
type DivergenceResult struct {
	Kind       DivergenceKind
	ForkHeight uint64
	PeerTip    uint64
}

// Compare walks local and peer samples (both ascending by height) and
// classifies the divergence. peerTipHeight/peerTipHash describe the
// peer's reported chain tip, independent of the sampled subset.
func Compare(local []PartialHeader, peer []PartialHeader, peerTipHeight uint64, peerTipHash []byte, localTipHeight uint64, localTipHash []byte) DivergenceResult {
	localByHeight := make(map[uint64][]byte, len(local))
	for _, h := range local {
		localByHeight[h.Height] = h.Hash
	}

	var lastMatch uint64
	haveMatch := false
	diverged := false
	for _, ph := range peer {
		lh, ok := localByHeight[ph.Height]
		if !ok {
			continue
		}
		if bytes.Equal(lh, ph.Hash) {
			lastMatch = ph.Height
			haveMatch = true
		} else {
			diverged = true
			break
		}
	}

	if diverged {
		return DivergenceResult{Kind: Forked, ForkHeight: lastMatch, PeerTip: peerTipHeight}
	}
	if peerTipHeight > localTipHeight {
		return DivergenceResult{Kind: PeerAhead, ForkHeight: lastMatch, PeerTip: peerTipHeight}
	}
	if peerTipHeight < localTipHeight {
		return DivergenceResult{Kind: PeerBehind, ForkHeight: peerTipHeight, PeerTip: peerTipHeight}
	}
	if bytes.Equal(localTipHash, peerTipHash) {
		return DivergenceResult{Kind: InSync, ForkHeight: localTipHeight, PeerTip: peerTipHeight}
	}
	_ = haveMatch
	return DivergenceResult{Kind: Forked, ForkHeight: lastMatch, PeerTip: peerTipHeight}
}

// PeerInfo describes a Chain-role peer's reported tip, used for lead
// election.
type PeerInfo struct {
	NodeID string
	Height uint64
	Hash   []byte
}

// ElectLead picks the peer with the highest (height, hash) pair. Returns
// false if self already has the highest pair (no lead needed; self
// remains authoritative).
func ElectLead(self PeerInfo, peers []PeerInfo) (PeerInfo, bool) {
	best := self
	found := false
	for _, p := range peers {
		if p.Height > best.Height || (p.Height == best.Height && bytes.Compare(p.Hash, best.Hash) > 0) {
			best = p
			found = true
		}
	}
	return best, found
}

// State is the chain-sync state machine's current phase.
type State int

const (
	Idle State = iota
	Sampling
	Downloading
	Truncating
)

// Session tracks one chain-sync attempt against a single peer.
type Session struct {
	State      State
	PeerNodeID string
	ForkHeight uint64
	NextOffset int64
}

// Abandon resets a session back to Idle, e.g. on timeout or validation
// failure.
func (s *Session) Abandon() {
	s.State = Idle
	s.PeerNodeID = ""
}

// BeginDownload transitions the session into Downloading starting right
// after the fork point.
func (s *Session) BeginDownload(peerNodeID string, forkHeight uint64, fromOffset int64) {
	s.State = Downloading
	s.PeerNodeID = peerNodeID
	s.ForkHeight = forkHeight
	s.NextOffset = fromOffset
}

// BeginTruncate transitions the session into Truncating; the caller is
// expected to call chainstore.Store.TruncateFrom before resuming
// download.
func (s *Session) BeginTruncate(forkOffset int64) {
	s.State = Truncating
	s.NextOffset = forkOffset
}

// ApplyBlock validates and appends one streamed block, maintaining the
// maxBlocksPerMessage streaming bound is the caller's responsibility
// (one call per block).
func ApplyBlock(store *chainstore.Store, header types.BlockHeader, operationsData []byte, sigs []types.BlockSignature, quorum func([]types.BlockSignature) bool) (int64, error) {
	if !quorum(sigs) {
		return 0, errQuorumNotMet
	}
	return store.WriteBlock(header, operationsData, sigs)
}

type chainsyncErr string

func (e chainsyncErr) Error() string { return string(e) }

const errQuorumNotMet = chainsyncErr("block signatures do not meet quorum")
