// Package commit implements §4.F: the single-proposer, quorum-signed
// block formation protocol. Unlike a Raft-style log, there is no leader
// term or heartbeat — proposer eligibility rotates deterministically by
// height parity over the sorted Chain-role node id list, and agreement
// is reached once a proposal collects signatures from a strict majority
// of Chain-role nodes.
package commit

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/types"
)

// ProposerForHeight returns the Chain-role node id expected to propose
// block height. Rotation is implicit through height parity against the
// sorted id list, per spec.md §4.F.
func ProposerForHeight(nodes []types.CellNode, height uint64) string {
	chain := types.ChainNodes(nodes)
	if len(chain) == 0 {
		return ""
	}
	ids := make([]string, len(chain))
	for i, n := range chain {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	return ids[int(height)%len(ids)]
}

// CollectForProposal gathers pending operations eligible for inclusion
// in the next proposal: commit_status Unknown, ordered by operation id.
// expiredBefore excludes operations whose id encodes a timestamp older
// than the cutoff (0 disables expiry filtering).
func CollectForProposal(store *pending.Store, maxOps int, expiredBefore types.OperationID) []pending.StoredOperation {
	var out []pending.StoredOperation
	store.Iter(0, 0, func(op pending.StoredOperation) bool {
		if op.CommitStatus.IsCommitted() {
			return true
		}
		if op.Kind != types.OpEntry {
			return true
		}
		if expiredBefore != 0 && op.OperationID < expiredBefore {
			return true
		}
		out = append(out, op)
		return maxOps == 0 || len(out) < maxOps
	})
	return out
}

// Proposal is one node's candidate next block, prior to signature
// collection.
type Proposal struct {
	Height              uint64
	ProposerNodeID      string
	ProposerOperationID types.OperationID
	Header              types.BlockHeader
	OperationsData      []byte
	HeaderHash          []byte
}

// SignaturePayload is the Frame content of an OpBlockSign pending
// operation: a node's vote toward a proposal's quorum, gossiped via
// §4.D alongside ordinary entry operations.
type SignaturePayload struct {
	NodeID              string
	ProposerOperationID types.OperationID
	Height              uint64
	Signature           []byte
}

// RefusalPayload is the Frame content of an OpBlockRefuse pending
// operation.
type RefusalPayload struct {
	NodeID              string
	ProposerOperationID types.OperationID
	Height              uint64
}

func init() {
	gob.Register(Proposal{})
	gob.Register(SignaturePayload{})
	gob.Register(RefusalPayload{})
}

// EncodeProposal/DecodeProposal serialize a Proposal for the
// OpBlockPropose operation's Frame.
func EncodeProposal(p Proposal) ([]byte, error) { return encodeGob(p) }
func DecodeProposal(b []byte) (Proposal, error) {
	var p Proposal
	return p, decodeGob(b, &p)
}

// EncodeSignaturePayload/DecodeSignaturePayload serialize a
// SignaturePayload for the OpBlockSign operation's Frame.
func EncodeSignaturePayload(p SignaturePayload) ([]byte, error) { return encodeGob(p) }
func DecodeSignaturePayload(b []byte) (SignaturePayload, error) {
	var p SignaturePayload
	return p, decodeGob(b, &p)
}

// EncodeRefusalPayload/DecodeRefusalPayload serialize a RefusalPayload
// for the OpBlockRefuse operation's Frame.
func EncodeRefusalPayload(p RefusalPayload) ([]byte, error) { return encodeGob(p) }
func DecodeRefusalPayload(b []byte) (RefusalPayload, error) {
	var p RefusalPayload
	return p, decodeGob(b, &p)
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

// BuildProposal constructs the next block's header and operations data
// from a set of pending operations, without signatures. proposerOpID is
// the id assigned to the BlockPropose operation that will carry this
// proposal through the pending store.
func BuildProposal(selfNodeID string, proposerOpID types.OperationID, previous *types.Block, ops []pending.StoredOperation) Proposal {
	headers := make([]types.OperationHeader, len(ops))
	var data []byte
	for i, op := range ops {
		headers[i] = types.OperationHeader{OperationID: op.OperationID, Signature: op.Frame}
		data = append(data, op.Frame...)
	}

	var prevOffset int64
	var prevHash []byte
	var height uint64
	if previous != nil {
		prevOffset = previous.Header.Offset
		prevHash = previous.Hash
		height = previous.Header.Height + 1
	}

	header := types.BlockHeader{
		Height:              height,
		PreviousOffset:      prevOffset,
		PreviousHash:        prevHash,
		ProposedOperationID: proposerOpID,
		ProposedNodeID:      selfNodeID,
		OperationsHeader:    headers,
	}
	_, hash := chainstore.EncodeBlock(header, data, nil)

	return Proposal{
		Height:              height,
		ProposerNodeID:      selfNodeID,
		ProposerOperationID: proposerOpID,
		Header:              header,
		OperationsData:      data,
		HeaderHash:          hash,
	}
}

// BetterProposal reports whether candidate should replace current as the
// winning proposal for a height: the smallest proposer operation_id
// wins; a tie (not reachable under the consistent-time scheme's
// per-node uniqueness, but broken defensively) falls to the smallest
// node id.
func BetterProposal(current, candidate Proposal) bool {
	if candidate.ProposerOperationID != current.ProposerOperationID {
		return candidate.ProposerOperationID < current.ProposerOperationID
	}
	return candidate.ProposerNodeID < current.ProposerNodeID
}

// heightState tracks everything in flight for one block height.
type heightState struct {
	proposals map[types.OperationID]Proposal
	winner    types.OperationID
	hasWinner bool
	sigs      map[types.OperationID]map[string]types.BlockSignature
	refused   map[types.OperationID]map[string]bool
	signedBy  map[string]bool // has self signed (any proposal) at this height
	committed bool
}

func newHeightState() *heightState {
	return &heightState{
		proposals: make(map[types.OperationID]Proposal),
		sigs:      make(map[types.OperationID]map[string]types.BlockSignature),
		refused:   make(map[types.OperationID]map[string]bool),
		signedBy:  make(map[string]bool),
	}
}

// Manager drives proposal, signing, commit, and cleanup across heights.
type Manager struct {
	store      *pending.Store
	chain      *chainstore.Store
	selfNodeID string
	nodes      []types.CellNode
	heights    map[uint64]*heightState
}

// NewManager builds a commit manager bound to the given pending store,
// chain store, node set, and local node id.
func NewManager(store *pending.Store, chain *chainstore.Store, selfNodeID string, nodes []types.CellNode) *Manager {
	return &Manager{
		store:      store,
		chain:      chain,
		selfNodeID: selfNodeID,
		nodes:      nodes,
		heights:    make(map[uint64]*heightState),
	}
}

func (m *Manager) stateFor(height uint64) *heightState {
	hs, ok := m.heights[height]
	if !ok {
		hs = newHeightState()
		m.heights[height] = hs
	}
	return hs
}

// IsProposer reports whether selfNodeID is the expected proposer for
// height.
func (m *Manager) IsProposer(height uint64) bool {
	return ProposerForHeight(m.nodes, height) == m.selfNodeID
}

// RecordProposal registers a BlockPropose seen from the network (or
// built locally), updating the height's winning candidate by the
// BetterProposal rule. Returns true if this proposal is now the winner.
func (m *Manager) RecordProposal(p Proposal) bool {
	hs := m.stateFor(p.Height)
	hs.proposals[p.ProposerOperationID] = p
	if !hs.hasWinner || BetterProposal(hs.proposals[hs.winner], p) {
		hs.winner = p.ProposerOperationID
		hs.hasWinner = true
		return true
	}
	return p.ProposerOperationID == hs.winner
}

// ValidateProposal checks a received proposal against spec.md §4.F's
// signing preconditions: expected proposer, parent link, and that every
// included operation is present locally (returns their ids as missing
// otherwise).
func (m *Manager) ValidateProposal(p Proposal, previous *types.Block) (missing []types.OperationID, ok bool) {
	if ProposerForHeight(m.nodes, p.Height) != p.ProposerNodeID {
		return nil, false
	}
	var prevOffset int64
	var prevHash []byte
	if previous != nil {
		prevOffset = previous.Header.Offset
		prevHash = previous.Hash
	}
	if p.Header.PreviousOffset != prevOffset || string(p.Header.PreviousHash) != string(prevHash) {
		return nil, false
	}
	for _, oh := range p.Header.OperationsHeader {
		if _, err := m.store.Get(oh.OperationID); err != nil {
			missing = append(missing, oh.OperationID)
		}
	}
	return missing, len(missing) == 0
}

// Sign records a local decision to sign a validated proposal, unless
// this node has already signed a different proposal at this height (in
// which case it must refuse instead, per spec.md's "not already signed"
// clause).
func (m *Manager) Sign(p Proposal, sig types.BlockSignature) (signed bool) {
	hs := m.stateFor(p.Height)
	if hs.signedBy[m.selfNodeID] {
		_, same := hs.sigs[p.ProposerOperationID][m.selfNodeID]
		return same
	}
	hs.signedBy[m.selfNodeID] = true
	m.RecordSignature(p.ProposerOperationID, p.Height, sig)
	return true
}

// RecordSignature registers a signature from any node (self or peer)
// toward a proposal's quorum.
func (m *Manager) RecordSignature(proposerOpID types.OperationID, height uint64, sig types.BlockSignature) {
	hs := m.stateFor(height)
	set, ok := hs.sigs[proposerOpID]
	if !ok {
		set = make(map[string]types.BlockSignature)
		hs.sigs[proposerOpID] = set
	}
	set[sig.NodeID] = sig
}

// RecordRefusal registers a refusal from a node against a proposal,
// overriding any prior signature from that node for the same proposal.
func (m *Manager) RecordRefusal(proposerOpID types.OperationID, height uint64, nodeID string) {
	hs := m.stateFor(height)
	if set, ok := hs.sigs[proposerOpID]; ok {
		delete(set, nodeID)
	}
	refused, ok := hs.refused[proposerOpID]
	if !ok {
		refused = make(map[string]bool)
		hs.refused[proposerOpID] = refused
	}
	refused[nodeID] = true
}

// QuorumMet reports whether a proposal has collected strict-majority
// signatures among Chain-role nodes.
func (m *Manager) QuorumMet(proposerOpID types.OperationID, height uint64) bool {
	hs := m.stateFor(height)
	need := types.Quorum(len(types.ChainNodes(m.nodes)))
	return len(hs.sigs[proposerOpID]) >= need
}

// TryCommit appends the winning proposal's block to the chain store once
// quorum is met and it has not already been committed at this height.
// Returns the new chain offset, or ok=false if not yet committable.
func (m *Manager) TryCommit(height uint64) (offset int64, ok bool, err error) {
	hs := m.stateFor(height)
	if hs.committed || !hs.hasWinner {
		return 0, false, nil
	}
	if !m.QuorumMet(hs.winner, height) {
		return 0, false, nil
	}
	p := hs.proposals[hs.winner]
	sigSet := hs.sigs[hs.winner]
	sigs := make([]types.BlockSignature, 0, len(sigSet))
	for _, s := range sigSet {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].NodeID < sigs[j].NodeID })

	offset, err = m.chain.WriteBlock(p.Header, p.OperationsData, sigs)
	if err != nil {
		return 0, false, err
	}
	hs.committed = true
	return offset, true, nil
}

// Cleanup deletes operations belonging to blocks buried at least
// cleanupAfterDepth blocks below tipHeight from the pending store, along
// with each such block's BlockPropose operation, and drops in-memory
// height state for them. BlockSign and BlockRefuse operations are not
// deleted and remain in the pending store.
func (m *Manager) Cleanup(tipHeight uint64, cleanupAfterDepth uint64) error {
	if tipHeight < cleanupAfterDepth {
		return nil
	}
	cutoff := tipHeight - cleanupAfterDepth
	for height, hs := range m.heights {
		if height > cutoff || !hs.committed {
			continue
		}
		p := hs.proposals[hs.winner]
		for _, oh := range p.Header.OperationsHeader {
			if err := m.store.Delete(oh.OperationID); err != nil {
				return err
			}
		}
		if err := m.store.Delete(p.ProposerOperationID); err != nil {
			return err
		}
		delete(m.heights, height)
	}
	return nil
}
