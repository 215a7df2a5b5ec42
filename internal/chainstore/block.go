package chainstore

import (
	"github.com/exocore/cell/internal/exoerr"
	"github.com/exocore/cell/internal/framing"
	"github.com/exocore/cell/internal/types"
)

// Block on-disk layout: the whole block (header_frame ++ operations_data
// ++ signatures_frame) is the inner content of one SizedFrame, giving the
// u32 | ... | u32 envelope with backward-iteration support described in
// §6. header_frame is itself a multihash frame over the header's fixed
// fields, so its sha3-256 is the block's hash; header_frame.OperationsSize
// and .SignaturesSize (carried inside the header) tell a forward reader
// where operations_data ends and signatures_frame begins, so those two
// sections need no framing of their own.
//
// This resolves an ambiguity in the distilled wire-format prose (whether
// the trailing length covers just header_frame or the whole block) in
// favor of the generic SizedFrame semantics used everywhere else in this
// format, which is what makes backward iteration from the chain tip
// well-defined without first knowing the block's total length.

// EncodeBlock produces the full bit-exact on-disk bytes for a block given
// its header (with OperationsSize/SignaturesSize already set to
// len(operationsData)/len(encoded signatures)) and its operation and
// signature payloads. It returns the bytes to append to the segment file
// and the block's hash.
func EncodeBlock(header types.BlockHeader, operationsData []byte, signatures []types.BlockSignature) (blockBytes []byte, hash []byte) {
	sigBytes := encodeSignatures(signatures)
	header.OperationsSize = uint32(len(operationsData))
	header.SignaturesSize = uint32(len(sigBytes))

	headerFields := encodeHeaderFields(header)
	headerFrame := framing.EncodeMultihash(headerFields)
	_, hash, _ = framing.DecodeMultihash(headerFrame) // hash == sha3-256(headerFields)

	inner := make([]byte, 0, len(headerFrame)+len(operationsData)+len(sigBytes))
	inner = append(inner, headerFrame...)
	inner = append(inner, operationsData...)
	inner = append(inner, sigBytes...)

	return framing.EncodeSized(inner), hash
}

// DecodeBlockForward parses one block starting at the beginning of buf,
// returning the block and the total number of bytes consumed (so the
// caller can advance to the next block).
func DecodeBlockForward(buf []byte) (*types.Block, int, error) {
	inner, frameLen, err := framing.DecodeSizedForward(buf)
	if err != nil {
		return nil, 0, err
	}
	block, err := decodeBlockInner(inner)
	if err != nil {
		return nil, 0, err
	}
	return block, frameLen, nil
}

// DecodeBlockBackward parses the block whose SizedFrame ends exactly at
// nextOffset within buf (buf addressed from the segment's start),
// returning the block and its starting offset.
func DecodeBlockBackward(buf []byte, nextOffset int64) (*types.Block, int64, error) {
	inner, start, err := framing.DecodeSizedBackward(buf, nextOffset)
	if err != nil {
		return nil, 0, err
	}
	block, err := decodeBlockInner(inner)
	if err != nil {
		return nil, 0, err
	}
	return block, start, nil
}

func decodeBlockInner(inner []byte) (*types.Block, error) {
	if len(inner) < 1 {
		return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeBlockInner", errShort)
	}
	hlen := int(inner[0])
	if len(inner) < 1+hlen {
		return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeBlockInner", errShort)
	}
	multihash := inner[1 : 1+hlen]
	afterMultihash := inner[1+hlen:]

	header, headerConsumed, err := decodeHeaderFields(afterMultihash)
	if err != nil {
		return nil, err
	}
	headerFrameLen := 1 + hlen + headerConsumed

	rest := inner[headerFrameLen:]
	if uint32(len(rest)) < header.OperationsSize+header.SignaturesSize {
		return nil, exoerr.New(exoerr.Integrity, "chainstore.decodeBlockInner", errShort)
	}
	operationsData := rest[:header.OperationsSize]
	sigBytes := rest[header.OperationsSize : header.OperationsSize+header.SignaturesSize]

	signatures, err := decodeSignatures(sigBytes)
	if err != nil {
		return nil, err
	}

	return &types.Block{
		Header:         header,
		Hash:           multihash,
		OperationsData: operationsData,
		Signatures:     signatures,
	}, nil
}
