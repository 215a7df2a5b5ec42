package chainstore

import (
	"bytes"
	"testing"

	"github.com/exocore/cell/internal/types"
)

func sampleBlock() (types.BlockHeader, []byte, []types.BlockSignature) {
	header := types.BlockHeader{
		Offset:              0,
		Height:              1,
		PreviousOffset:      0,
		PreviousHash:        []byte("genesis-hash"),
		ProposedOperationID: 42,
		ProposedNodeID:      "node-a",
		OperationsHeader: []types.OperationHeader{
			{OperationID: 42, Signature: []byte("sig-42")},
			{OperationID: 43, Signature: []byte("sig-43")},
		},
	}
	operationsData := []byte("op42-frame-bytes|op43-frame-bytes")
	sigs := []types.BlockSignature{
		{NodeID: "node-a", Signature: []byte("sig-a")},
		{NodeID: "node-b", Signature: []byte("sig-b")},
	}
	return header, operationsData, sigs
}

func TestBlockRoundTripForward(t *testing.T) {
	header, operationsData, sigs := sampleBlock()
	blockBytes, hash := EncodeBlock(header, operationsData, sigs)

	decoded, frameLen, err := DecodeBlockForward(blockBytes)
	if err != nil {
		t.Fatalf("decode forward: %v", err)
	}
	if frameLen != len(blockBytes) {
		t.Fatalf("frameLen = %d, want %d", frameLen, len(blockBytes))
	}
	if !bytes.Equal(decoded.Hash, hash) {
		t.Fatalf("hash mismatch")
	}
	if decoded.Header.Height != header.Height {
		t.Fatalf("height mismatch: got %d want %d", decoded.Header.Height, header.Height)
	}
	if !bytes.Equal(decoded.OperationsData, operationsData) {
		t.Fatalf("operations data mismatch")
	}
	if len(decoded.Signatures) != len(sigs) || decoded.Signatures[1].NodeID != "node-b" {
		t.Fatalf("signatures mismatch: %+v", decoded.Signatures)
	}
	if len(decoded.Header.OperationsHeader) != 2 || decoded.Header.OperationsHeader[1].OperationID != 43 {
		t.Fatalf("operations header mismatch: %+v", decoded.Header.OperationsHeader)
	}
}

func TestBlockRoundTripBackward(t *testing.T) {
	header, operationsData, sigs := sampleBlock()
	blockBytes, _ := EncodeBlock(header, operationsData, sigs)

	// Simulate two concatenated blocks in a segment buffer.
	buf := append(append([]byte{}, blockBytes...), blockBytes...)
	nextOffset := int64(len(blockBytes))

	decoded, start, err := DecodeBlockBackward(buf, nextOffset)
	if err != nil {
		t.Fatalf("decode backward: %v", err)
	}
	if start != 0 {
		t.Fatalf("start = %d, want 0", start)
	}
	if decoded.Header.ProposedNodeID != "node-a" {
		t.Fatalf("proposed node id mismatch: %q", decoded.Header.ProposedNodeID)
	}
}
