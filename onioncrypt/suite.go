// Package onioncrypt implements per-layer authenticated encryption for onion
// packets: ephemeral-static ECDH key agreement followed by an AEAD keyed on
// the derived secret (spec.md §4.3). The AEAD algorithm is a deployment-wide
// constant selected via Suite; it MUST match across every node in a
// deployment.
package onioncrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the wire-level constant for every supported suite (spec.md §6).
const NonceSize = 12

// Suite names an AEAD algorithm choice. The zero value is SuiteAESGCM256,
// the default.
type Suite uint8

const (
	// SuiteAESGCM256 is the default AEAD (spec.md §6).
	SuiteAESGCM256 Suite = iota
	// SuiteChaCha20Poly1305 is the deployment-selectable alternative
	// spec.md §4.3 calls out explicitly.
	SuiteChaCha20Poly1305
)

// String implements fmt.Stringer for logging.
func (s Suite) String() string {
	switch s {
	case SuiteAESGCM256:
		return "aes-gcm-256"
	case SuiteChaCha20Poly1305:
		return "chacha20poly1305"
	default:
		return "unknown"
	}
}

// ParseSuite resolves a deployment-wide suite name from config.Config.Suite
// into a Suite value. Unknown names fail closed rather than silently
// defaulting, since a mismatched suite across a deployment breaks every
// handshake.
func ParseSuite(name string) (Suite, error) {
	switch name {
	case "", "aes-gcm-256":
		return SuiteAESGCM256, nil
	case "chacha20poly1305":
		return SuiteChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("onioncrypt: unknown suite name %q", name)
	}
}

// aead constructs the cipher.AEAD for this suite from a 32-byte key.
func (s Suite) aead(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAESGCM256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("onioncrypt: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("onioncrypt: unknown suite %d", s)
	}
}
