package chainstore

import (
	"encoding/binary"

	"github.com/exocore/cell/internal/exoerr"
	"github.com/exocore/cell/internal/types"
)

// encodeHeaderFields serializes a BlockHeader's fixed-layout fields. This
// is the payload wrapped by the block's multihash frame, so its
// sha3-256 is the block's hash.
func encodeHeaderFields(h types.BlockHeader) []byte {
	buf := make([]byte, 0, 128+len(h.PreviousHash)+len(h.ProposedNodeID)+16*len(h.OperationsHeader))

	var tmp [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putBytes := func(b []byte) {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
		buf = append(buf, l[:]...)
		buf = append(buf, b...)
	}
	putString := func(s string) { putBytes([]byte(s)) }

	putU64(uint64(h.Offset))
	putU64(h.Height)
	putU64(uint64(h.PreviousOffset))
	putBytes(h.PreviousHash)
	putU64(h.ProposedOperationID)
	putString(h.ProposedNodeID)

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(h.OperationsHeader)))
	buf = append(buf, count[:]...)
	for _, oh := range h.OperationsHeader {
		putU64(oh.OperationID)
		putBytes(oh.Signature)
	}

	putU64(uint64(h.OperationsSize))
	putU64(uint64(h.SignaturesSize))

	return buf
}

// decodeHeaderFields is the inverse of encodeHeaderFields. buf may carry
// trailing bytes (operations_data, signatures_frame) after the header
// fields; consumed reports exactly how many leading bytes of buf the
// header occupied, so the caller can slice the remainder.
func decodeHeaderFields(buf []byte) (h types.BlockHeader, consumed int, err error) {
	pos := 0

	readU64 := func() (uint64, error) {
		if pos+8 > len(buf) {
			return 0, exoerr.New(exoerr.Integrity, "chainstore.decodeHeaderFields", errShort)
		}
		v := binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		if pos+4 > len(buf) {
			return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeHeaderFields", errShort)
		}
		l := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+l > len(buf) {
			return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeHeaderFields", errShort)
		}
		v := buf[pos : pos+l]
		pos += l
		return v, nil
	}

	var v uint64
	if v, err = readU64(); err != nil {
		return h, 0, err
	}
	h.Offset = int64(v)
	if h.Height, err = readU64(); err != nil {
		return h, 0, err
	}
	if v, err = readU64(); err != nil {
		return h, 0, err
	}
	h.PreviousOffset = int64(v)
	if h.PreviousHash, err = readBytes(); err != nil {
		return h, 0, err
	}
	if h.ProposedOperationID, err = readU64(); err != nil {
		return h, 0, err
	}
	var nodeIDBytes []byte
	if nodeIDBytes, err = readBytes(); err != nil {
		return h, 0, err
	}
	h.ProposedNodeID = string(nodeIDBytes)

	if pos+4 > len(buf) {
		return h, 0, exoerr.New(exoerr.Integrity, "chainstore.decodeHeaderFields", errShort)
	}
	count := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	h.OperationsHeader = make([]types.OperationHeader, 0, count)
	for i := 0; i < count; i++ {
		var oh types.OperationHeader
		if oh.OperationID, err = readU64(); err != nil {
			return h, 0, err
		}
		if oh.Signature, err = readBytes(); err != nil {
			return h, 0, err
		}
		h.OperationsHeader = append(h.OperationsHeader, oh)
	}

	if v, err = readU64(); err != nil {
		return h, 0, err
	}
	h.OperationsSize = uint32(v)
	if v, err = readU64(); err != nil {
		return h, 0, err
	}
	h.SignaturesSize = uint32(v)

	return h, pos, nil
}

// encodeSignatures serializes a block's collected BlockSignatures.
func encodeSignatures(sigs []types.BlockSignature) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(sigs)))
	for _, s := range sigs {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(s.NodeID)))
		buf = append(buf, l[:]...)
		buf = append(buf, []byte(s.NodeID)...)
		binary.LittleEndian.PutUint32(l[:], uint32(len(s.Signature)))
		buf = append(buf, l[:]...)
		buf = append(buf, s.Signature...)
	}
	return buf
}

func decodeSignatures(buf []byte) ([]types.BlockSignature, error) {
	if len(buf) < 4 {
		return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeSignatures", errShort)
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	pos := 4
	out := make([]types.BlockSignature, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(buf) {
			return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeSignatures", errShort)
		}
		l := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+l > len(buf) {
			return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeSignatures", errShort)
		}
		nodeID := string(buf[pos : pos+l])
		pos += l

		if pos+4 > len(buf) {
			return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeSignatures", errShort)
		}
		l = int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+l > len(buf) {
			return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeSignatures", errShort)
		}
		sig := buf[pos : pos+l]
		pos += l

		out = append(out, types.BlockSignature{NodeID: nodeID, Signature: sig})
	}
	return out, nil
}

type storeErr string

func (e storeErr) Error() string { return string(e) }

const errShort = storeErr("truncated block header")
