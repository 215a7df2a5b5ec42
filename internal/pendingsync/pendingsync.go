// Package pendingsync implements §4.D: range-partitioned reconciliation
// of pending stores between peers using rolling sha3-256 hashes, falling
// back to per-operation headers and then full frames as the amount of
// divergence within a range grows.
package pendingsync

import (
	"bytes"
	"encoding/gob"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/types"
)

// Range is a half-open interval [FromOpID, ToOpID) over operation ids:
// FromOpID is included and ToOpID is excluded. ToOpID == 0 means
// unbounded (to the end of the store).
type Range struct {
	FromOpID types.OperationID
	ToOpID   types.OperationID
}

// RepKind is the representation a sync message carries for one range.
type RepKind int

const (
	RepHashCount RepKind = iota
	RepHeaders
	RepFullFrames
	// RepFrameRequest asks the peer for full frames of specific operation
	// ids (RangeMessage.RequestIDs), the follow-up round after a Headers
	// reply reveals which ids are actually missing locally.
	RepFrameRequest
)

// OperationHeader is the (group, operation, signature) triplet sent in a
// Headers-kind message.
type OperationHeader struct {
	GroupID     types.GroupID
	OperationID types.OperationID
	Signature   []byte
}

// Frame is one operation's complete wire bytes, sent in a FullFrames
// message.
type Frame struct {
	OperationID types.OperationID
	GroupID     types.GroupID
	Kind        types.OperationKind
	Bytes       []byte
}

// RangeMessage is what one side sends for one range during a sync round.
type RangeMessage struct {
	Range      Range
	Rep        RepKind
	Hash       [32]byte
	Count      int
	Headers    []OperationHeader
	Frames     []Frame
	RequestIDs []types.OperationID
}

func init() {
	gob.Register(RangeMessage{})
}

// Encode serializes a RangeMessage for transport.
func Encode(msg RangeMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a RangeMessage received over transport.
func Decode(b []byte) (RangeMessage, error) {
	var msg RangeMessage
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&msg)
	return msg, err
}

// Partition splits the store's full timeline into ranges bounded by
// maxPerRange operations each.
func Partition(store *pending.Store, maxPerRange int) []Range {
	var ids []types.OperationID
	store.Iter(0, 0, func(op pending.StoredOperation) bool {
		ids = append(ids, op.OperationID)
		return true
	})
	if len(ids) == 0 {
		return []Range{{FromOpID: 0, ToOpID: 0}}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ranges []Range
	from := types.OperationID(0)
	for i := 0; i < len(ids); i += maxPerRange {
		end := i + maxPerRange
		if end > len(ids) {
			end = len(ids)
		}
		to := ids[end-1] + 1
		ranges = append(ranges, Range{FromOpID: from, ToOpID: to})
		from = to
	}
	// extend the last range to unbounded so newly-arrived operations above
	// the highest known id are still covered by a subsequent round.
	if len(ranges) > 0 {
		ranges[len(ranges)-1].ToOpID = 0
	}
	return ranges
}

// BuildHashCount computes the hash+count representation for one range:
// a rolling sha3-256 over every operation's full frame bytes in id
// order, plus the count of operations covered. Signatures are not hashed
// on their own; they enter the hash only as part of each frame.
func BuildHashCount(store *pending.Store, r Range) RangeMessage {
	h := sha3.New256()
	count := 0
	store.Iter(r.FromOpID, r.ToOpID, func(op pending.StoredOperation) bool {
		h.Write(op.Frame)
		count++
		return true
	})
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return RangeMessage{Range: r, Rep: RepHashCount, Hash: sum, Count: count}
}

// BuildHeaders returns the Headers representation for a range. Each
// header's Signature field carries the operation's full frame bytes.
func BuildHeaders(store *pending.Store, r Range) RangeMessage {
	var headers []OperationHeader
	store.Iter(r.FromOpID, r.ToOpID, func(op pending.StoredOperation) bool {
		headers = append(headers, OperationHeader{GroupID: op.GroupID, OperationID: op.OperationID, Signature: op.Frame})
		return true
	})
	return RangeMessage{Range: r, Rep: RepHeaders, Headers: headers}
}

// BuildFrames returns the FullFrames representation for a range.
func BuildFrames(store *pending.Store, r Range) RangeMessage {
	var frames []Frame
	store.Iter(r.FromOpID, r.ToOpID, func(op pending.StoredOperation) bool {
		frames = append(frames, Frame{OperationID: op.OperationID, GroupID: op.GroupID, Kind: op.Kind, Bytes: op.Frame})
		return true
	})
	return RangeMessage{Range: r, Rep: RepFullFrames, Frames: frames}
}

// BuildFramesForIDs returns the FullFrames representation restricted to
// a specific set of operation ids, for answering a RepFrameRequest
// follow-up after a Headers round revealed exactly what's missing.
func BuildFramesForIDs(store *pending.Store, r Range, ids []types.OperationID) RangeMessage {
	want := make(map[types.OperationID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var frames []Frame
	store.Iter(r.FromOpID, r.ToOpID, func(op pending.StoredOperation) bool {
		if want[op.OperationID] {
			frames = append(frames, Frame{OperationID: op.OperationID, GroupID: op.GroupID, Kind: op.Kind, Bytes: op.Frame})
		}
		return true
	})
	return RangeMessage{Range: r, Rep: RepFullFrames, Frames: frames}
}

// CompareResult describes what a receiver should do after comparing an
// incoming range message to its own local state.
type CompareResult int

const (
	// Converged means the range matches; nothing to do.
	Converged CompareResult = iota
	// RequestHeaders means counts differ modestly; ask for headers next.
	RequestHeaders
	// ReplyDiverge means hashes/headers differ enough that the receiver
	// should answer with its own representation to let the initiator
	// converge from its side.
	ReplyDiverge
)

// headersCountThreshold bounds how close two counts must be before we
// prefer requesting headers over immediately replying with our own
// representation.
const headersCountThreshold = 8

// Compare evaluates an incoming range message against the local store's
// own hash+count for the same range.
func Compare(store *pending.Store, msg RangeMessage) CompareResult {
	local := BuildHashCount(store, msg.Range)
	switch msg.Rep {
	case RepHashCount:
		if local.Hash == msg.Hash && local.Count == msg.Count {
			return Converged
		}
		if abs(local.Count-msg.Count) <= headersCountThreshold {
			return RequestHeaders
		}
		return ReplyDiverge
	default:
		if local.Hash == msg.Hash {
			return Converged
		}
		return ReplyDiverge
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// MissingFrameIDs compares a local store's headers for a range against a
// peer's headers, returning operation ids the local store is missing.
func MissingFrameIDs(store *pending.Store, r Range, peerHeaders []OperationHeader) []types.OperationID {
	have := make(map[types.OperationID]bool)
	store.Iter(r.FromOpID, r.ToOpID, func(op pending.StoredOperation) bool {
		have[op.OperationID] = true
		return true
	})
	var missing []types.OperationID
	for _, h := range peerHeaders {
		if !have[h.OperationID] {
			missing = append(missing, h.OperationID)
		}
	}
	return missing
}

// ApplyFrames inserts received full frames into the local store.
// Returns whether any new operation was actually inserted, so the caller
// can decide whether to trigger a fresh round with the same peer.
func ApplyFrames(store *pending.Store, frames []Frame) (changed bool, err error) {
	for _, f := range frames {
		op := types.Operation{ID: f.OperationID, GroupID: f.GroupID, Kind: f.Kind, Frame: f.Bytes}
		existed, err := store.Put(op, types.CommitStatus{})
		if err != nil {
			return changed, err
		}
		if !existed {
			changed = true
		}
	}
	return changed, nil
}
