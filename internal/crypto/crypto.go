// Package crypto provides the node keypair signing primitives the spec's
// open question on signature algorithm leaves to the implementer. ed25519
// is used directly from the standard library, matching this codebase's
// existing preference for stdlib crypto primitives over a third-party
// crypto suite.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/exocore/cell/internal/exoerr"
)

// KeyPair is a node's signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "crypto.Generate", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs data (typically a block header hash or operation multihash)
// with the node's private key.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.Private, data)
}

// Verify checks a signature against data and a known node public key.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	return ed25519.Verify(pub, data, signature)
}

// NodeDirectory resolves a node id to its known public key, the
// verification side of "sign with the node's keypair and verify against
// the cell's known nodes" named in the spec's open questions.
type NodeDirectory interface {
	PublicKey(nodeID string) (ed25519.PublicKey, bool)
}

// StaticDirectory is a NodeDirectory backed by a fixed map, sufficient for
// a cell's small, rarely-changing node set.
type StaticDirectory map[string]ed25519.PublicKey

func (d StaticDirectory) PublicKey(nodeID string) (ed25519.PublicKey, bool) {
	pk, ok := d[nodeID]
	return pk, ok
}

// VerifyFrom verifies that signature over data was produced by nodeID,
// per dir.
func VerifyFrom(dir NodeDirectory, nodeID string, data, signature []byte) bool {
	pub, ok := dir.PublicKey(nodeID)
	if !ok {
		return false
	}
	return Verify(pub, data, signature)
}
