// Package framing implements the bit-exact binary envelope operations and
// block headers are wrapped in: a length-prefixed sized frame around a
// multihash frame around the typed payload. Hand-rolled with
// encoding/binary rather than a schema-compiled format, since protobuf
// and capnp tooling are out of scope for this core.
package framing

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/exocore/cell/internal/exoerr"
)

const sizePrefixLen = 4 // u32

// EncodeSized wraps inner in a SizedFrame: u32(len(inner)) | inner |
// u32(len(inner)). The repeated trailing length lets a reader locate the
// frame's start when walking backward from its end offset.
func EncodeSized(inner []byte) []byte {
	out := make([]byte, sizePrefixLen+len(inner)+sizePrefixLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(inner)))
	copy(out[4:4+len(inner)], inner)
	binary.LittleEndian.PutUint32(out[4+len(inner):], uint32(len(inner)))
	return out
}

// DecodeSizedForward reads a SizedFrame starting at the beginning of buf,
// returning the inner bytes and the total frame length consumed.
func DecodeSizedForward(buf []byte) (inner []byte, frameLen int, err error) {
	if len(buf) < sizePrefixLen {
		return nil, 0, exoerr.New(exoerr.Integrity, "framing.DecodeSizedForward", errShortBuffer)
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	total := sizePrefixLen + int(size) + sizePrefixLen
	if len(buf) < total {
		return nil, 0, exoerr.New(exoerr.Integrity, "framing.DecodeSizedForward", errShortBuffer)
	}
	trailer := binary.LittleEndian.Uint32(buf[4+int(size):])
	if trailer != size {
		return nil, 0, exoerr.New(exoerr.Integrity, "framing.DecodeSizedForward", errSizeMismatch)
	}
	return buf[4 : 4+size], total, nil
}

// DecodeSizedBackward reads the SizedFrame whose trailing length field
// ends exactly at nextOffset within buf (buf is addressed from the start
// of the segment), returning the inner bytes and the frame's start
// offset. This is how the chain store walks a segment from its tail.
func DecodeSizedBackward(buf []byte, nextOffset int64) (inner []byte, startOffset int64, err error) {
	if nextOffset < sizePrefixLen {
		return nil, 0, exoerr.New(exoerr.OutOfBound, "framing.DecodeSizedBackward", errShortBuffer)
	}
	trailerStart := nextOffset - sizePrefixLen
	size := binary.LittleEndian.Uint32(buf[trailerStart:nextOffset])
	start := nextOffset - int64(sizePrefixLen+int(size)+sizePrefixLen)
	if start < 0 {
		return nil, 0, exoerr.New(exoerr.OutOfBound, "framing.DecodeSizedBackward", errShortBuffer)
	}
	leadSize := binary.LittleEndian.Uint32(buf[start : start+sizePrefixLen])
	if leadSize != size {
		return nil, 0, exoerr.New(exoerr.Integrity, "framing.DecodeSizedBackward", errSizeMismatch)
	}
	return buf[start+sizePrefixLen : start+sizePrefixLen+int64(size)], start, nil
}

// MultihashLen is the length in bytes of a sha3-256 multihash.
const MultihashLen = 32

// EncodeMultihash wraps payload in a MultihashFrame: u8(len) | multihash |
// payload, where the multihash is sha3-256 over payload. The multihash
// doubles as the frame's content identity.
func EncodeMultihash(payload []byte) []byte {
	sum := sha3.Sum256(payload)
	out := make([]byte, 1+MultihashLen+len(payload))
	out[0] = byte(MultihashLen)
	copy(out[1:1+MultihashLen], sum[:])
	copy(out[1+MultihashLen:], payload)
	return out
}

// DecodeMultihash splits a MultihashFrame into its multihash and payload,
// verifying the multihash matches a fresh sha3-256 of the payload.
func DecodeMultihash(frame []byte) (multihash []byte, payload []byte, err error) {
	if len(frame) < 1 {
		return nil, nil, exoerr.New(exoerr.Integrity, "framing.DecodeMultihash", errShortBuffer)
	}
	hlen := int(frame[0])
	if len(frame) < 1+hlen {
		return nil, nil, exoerr.New(exoerr.Integrity, "framing.DecodeMultihash", errShortBuffer)
	}
	mh := frame[1 : 1+hlen]
	payload = frame[1+hlen:]
	sum := sha3.Sum256(payload)
	if hlen != MultihashLen || string(mh) != string(sum[:]) {
		return nil, nil, exoerr.New(exoerr.Integrity, "framing.DecodeMultihash", errHashMismatch)
	}
	return mh, payload, nil
}

// EncodeOperation produces the full operation wire form: sized frame
// wrapping a multihash frame wrapping the raw payload bytes.
func EncodeOperation(payload []byte) []byte {
	return EncodeSized(EncodeMultihash(payload))
}

// DecodeOperation reverses EncodeOperation from the start of buf.
func DecodeOperation(buf []byte) (multihash []byte, payload []byte, frameLen int, err error) {
	inner, frameLen, err := DecodeSizedForward(buf)
	if err != nil {
		return nil, nil, 0, err
	}
	mh, p, err := DecodeMultihash(inner)
	if err != nil {
		return nil, nil, 0, err
	}
	return mh, p, frameLen, nil
}

type frameErr string

func (e frameErr) Error() string { return string(e) }

const (
	errShortBuffer  = frameErr("buffer too short for frame")
	errSizeMismatch = frameErr("leading and trailing frame sizes disagree")
	errHashMismatch = frameErr("multihash does not match payload")
)
