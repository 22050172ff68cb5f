package onioncrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptFailed is returned whenever a layer fails to authenticate, for
// any reason (bad ephemeral key, truncated nonce, tampered ciphertext).
// Per spec.md §4.3 the cause is never distinguished upward: the packet is
// simply dropped.
var ErrDecryptFailed = errors.New("onioncrypt: decrypt failed")

const hkdfInfo = "taior-onion-layer-v1"

// EncryptLayer wraps plaintext in one onion layer addressed to
// recipientPub: a fresh ephemeral X25519 keypair, ECDH against
// recipientPub, HKDF-SHA256 key expansion, then an AEAD seal with a fresh
// random nonce. Output layout matches spec.md §3 exactly:
//
//	[0]         ephemeral-pubkey-length (always 32 for X25519)
//	[1..33]     ephemeral public key
//	[33..45]    nonce (12 bytes)
//	[45..]      authenticated ciphertext
func EncryptLayer(suite Suite, recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("onioncrypt: generate ephemeral key: %w", err)
	}
	defer clear(ephPriv[:])

	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("onioncrypt: derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("onioncrypt: ecdh: %w", err)
	}
	defer clear(shared)

	key, err := deriveKey(suite, shared)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	aead, err := suite.aead(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("onioncrypt: generate nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 1+len(ephPub)+NonceSize+len(ct))
	out = append(out, byte(len(ephPub)))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// DecryptLayer peels one onion layer using selfPriv, returning the
// authenticated plaintext. Any malformed input or authentication failure
// collapses to ErrDecryptFailed — callers MUST treat this as "drop
// silently," never distinguishing cause (spec.md §4.3, §7).
func DecryptLayer(suite Suite, selfPriv [32]byte, layer []byte) ([]byte, error) {
	if len(layer) < 1 {
		return nil, ErrDecryptFailed
	}
	pubLen := int(layer[0])
	if pubLen != 32 || len(layer) < 1+pubLen+NonceSize {
		return nil, ErrDecryptFailed
	}

	var ephPub [32]byte
	copy(ephPub[:], layer[1:1+pubLen])
	nonce := layer[1+pubLen : 1+pubLen+NonceSize]
	ct := layer[1+pubLen+NonceSize:]

	shared, err := curve25519.X25519(selfPriv[:], ephPub[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer clear(shared)

	key, err := deriveKey(suite, shared)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer clear(key)

	aead, err := suite.aead(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// deriveKey expands a raw ECDH shared secret into an AEAD key via
// HKDF-SHA256.
func deriveKey(suite Suite, shared []byte) ([]byte, error) {
	keyLen := 32
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo+suite.String()))
	key := make([]byte, keyLen)
	if _, err := kdf.Read(key); err != nil {
		return nil, fmt.Errorf("onioncrypt: hkdf: %w", err)
	}
	return key, nil
}
