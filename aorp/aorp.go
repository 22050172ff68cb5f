// Package aorp implements the wire codec for the innermost onion payload
// frame (AORP — anonymous-overlay relay packet) and the fixed 32-byte
// next-hop field prepended to every routing layer above the innermost one.
//
// Every function here is pure: no I/O, no locking, no global state. Callers
// in package router are responsible for everything above the byte slice.
package aorp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	// Magic is the leading byte of every AORP frame.
	Magic byte = 0xAA

	// PaddingBoundary is the wire-level constant every implementation MUST
	// reproduce bit-exact: frames are padded to the next multiple of this.
	PaddingBoundary = 512

	// DestinationLen is the fixed width of the destination-id field.
	DestinationLen = 16

	// NextHopLen is the fixed width of the next-hop field prepended to
	// non-innermost layers.
	NextHopLen = 32

	// headerLen is magic(1) + flags(1) + destination(16) + length(2).
	headerLen = 1 + 1 + DestinationLen + 2

	// FlagHasNextHop is bit 0 of the flags byte.
	FlagHasNextHop = 1 << 0

	// MaxPayloadLen is the largest payload build_aorp will accept.
	MaxPayloadLen = 65535
)

// ErrMalformed is returned (and wrapped) whenever parse_aorp encounters a
// frame that does not meet the wire layout in spec.md §3. These are always
// internal and MUST be treated as local drops, never surfaced upward.
var ErrMalformed = fmt.Errorf("aorp: malformed frame")

// Frame is the parsed form of an inner AORP frame.
type Frame struct {
	Destination [DestinationLen]byte
	Payload     []byte
	HasNext     bool
}

// Build emits the inner AORP frame described in spec.md §3: magic, flags,
// destination id, big-endian 16-bit length, payload, and random padding out
// to the next PaddingBoundary-byte multiple.
func Build(payload []byte, destinationID []byte, hasNext bool) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds max %d", ErrMalformed, len(payload), MaxPayloadLen)
	}
	if len(destinationID) > DestinationLen {
		return nil, fmt.Errorf("%w: destination id %d bytes exceeds max %d", ErrMalformed, len(destinationID), DestinationLen)
	}

	total := headerLen + len(payload)
	padded := ((total + PaddingBoundary - 1) / PaddingBoundary) * PaddingBoundary
	if padded == 0 {
		padded = PaddingBoundary
	}

	buf := make([]byte, padded)
	buf[0] = Magic
	if hasNext {
		buf[1] = FlagHasNextHop
	}
	copy(buf[2:2+DestinationLen], destinationID) // right-padded with zeros
	binary.BigEndian.PutUint16(buf[2+DestinationLen:headerLen], uint16(len(payload)))
	copy(buf[headerLen:total], payload)

	if padded > total {
		if _, err := rand.Read(buf[total:]); err != nil {
			return nil, fmt.Errorf("aorp: pad with randomness: %w", err)
		}
	}
	return buf, nil
}

// Parse validates and decodes an inner AORP frame, returning the exact
// payload slice (copied out of buf so callers may reuse buf's backing
// array).
func Parse(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) < headerLen {
		return f, fmt.Errorf("%w: frame shorter than header (%d bytes)", ErrMalformed, len(buf))
	}
	if buf[0] != Magic {
		return f, fmt.Errorf("%w: bad magic 0x%02x", ErrMalformed, buf[0])
	}
	flags := buf[1]
	copy(f.Destination[:], buf[2:2+DestinationLen])
	payloadLen := int(binary.BigEndian.Uint16(buf[2+DestinationLen : headerLen]))
	if payloadLen > len(buf)-headerLen {
		return f, fmt.Errorf("%w: declared payload length %d exceeds available %d", ErrMalformed, payloadLen, len(buf)-headerLen)
	}
	f.Payload = append([]byte(nil), buf[headerLen:headerLen+payloadLen]...)
	f.HasNext = flags&FlagHasNextHop != 0
	return f, nil
}

// StripNextHop parses the leading 32-byte next-hop field trailing NULs
// trimmed, and returns it alongside the remaining inner bytes.
func StripNextHop(buf []byte) (nextHopID string, inner []byte, err error) {
	if len(buf) < NextHopLen {
		return "", nil, fmt.Errorf("%w: buffer shorter than next-hop field (%d bytes)", ErrMalformed, len(buf))
	}
	end := NextHopLen
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	nextHopID = string(buf[:end])
	inner = append([]byte(nil), buf[NextHopLen:]...)
	return nextHopID, inner, nil
}

// DestinationToken derives the fixed DestinationLen-byte token router uses
// both to address an AORP frame's destination field and, on the receiving
// end, to test whether that frame is addressed to itself. peerID is
// truncated if longer than DestinationLen and zero-padded if shorter, so
// callers never need to validate its length up front.
func DestinationToken(peerID string) [DestinationLen]byte {
	var tok [DestinationLen]byte
	copy(tok[:], peerID)
	return tok
}

// WrapNextHop prepends the fixed 32-byte next-hop field (right-padded with
// zeros) to inner.
func WrapNextHop(nextID string, inner []byte) ([]byte, error) {
	if len(nextID) > NextHopLen {
		return nil, fmt.Errorf("%w: next-hop id %d bytes exceeds max %d", ErrMalformed, len(nextID), NextHopLen)
	}
	out := make([]byte, NextHopLen+len(inner))
	copy(out[:NextHopLen], nextID)
	copy(out[NextHopLen:], inner)
	return out, nil
}
