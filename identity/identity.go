// Package identity generates the ephemeral-for-session keypair a node uses
// to receive onion layers addressed to it, and the human-visible address
// token derived from that keypair.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// AddressHexLen is the number of hex characters in an address token,
// i.e. twice the number of raw bytes taken from SHA-256(pubkey). It doubles
// as the canonical peer id: the same token other nodes use as the opaque
// "peer id" string (spec.md §3 caps a peer id at 32 bytes; 32 hex
// characters is exactly 32 ASCII bytes).
const AddressHexLen = 32

// Identity holds one session's static X25519 keypair and derived address.
// It is generated once at startup and never persisted (spec Non-goal:
// persistent identity).
type Identity struct {
	priv [32]byte
	pub  [32]byte
	addr string
}

// New generates a fresh ephemeral X25519 keypair and derives the address
// token. The private key is clamped per the X25519 spec by
// curve25519.X25519 itself; no additional clamping is required here.
func New() (*Identity, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	id := &Identity{priv: priv}
	copy(id.pub[:], pub)
	id.addr = deriveAddress(id.pub[:])
	return id, nil
}

// deriveAddress computes taior://<hex> from SHA-256(pubkey), truncated to
// AddressHexLen/2 bytes (16-32 hex chars per spec).
func deriveAddress(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "taior://" + hex.EncodeToString(sum[:AddressHexLen/2])
}

// PublicKey returns the raw 32-byte X25519 public key.
func (id *Identity) PublicKey() [32]byte {
	return id.pub
}

// PrivateKey returns the raw 32-byte X25519 private key. Callers must not
// retain it beyond the lifetime of a single ECDH computation.
func (id *Identity) PrivateKey() [32]byte {
	return id.priv
}

// Address returns the human-visible taior://<hex> token.
func (id *Identity) Address() string {
	return id.addr
}

// ID returns the bare hex token without the taior:// scheme, used as this
// node's own peer id for destination matching and next-hop addressing.
func (id *Identity) ID() string {
	return id.addr[len("taior://"):]
}

// Zero overwrites the private key in place. Called from Core.Disconnect
// to honor spec §5's "zeroizes secrets" cancellation requirement.
func (id *Identity) Zero() {
	clear(id.priv[:])
}
