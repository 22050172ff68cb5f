package aorp

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildParseRoundTrip(t *testing.T) {
	dest := []byte("0123456789abcdef")
	payload := []byte("hello")

	frame, err := Build(payload, dest, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(frame)%PaddingBoundary != 0 {
		t.Fatalf("frame length %d not a multiple of %d", len(frame), PaddingBoundary)
	}
	if len(frame) < PaddingBoundary {
		t.Fatalf("frame length %d below minimum %d", len(frame), PaddingBoundary)
	}

	parsed, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", parsed.Payload, payload)
	}
	if !parsed.HasNext {
		t.Fatal("expected HasNext=true")
	}
	if !bytes.Equal(parsed.Destination[:len(dest)], dest) {
		t.Fatalf("destination mismatch: got %x", parsed.Destination)
	}
}

func TestBuildRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxPayloadLen+1)
	if _, err := Build(big, nil, false); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestBuildRejectsOversizedDestination(t *testing.T) {
	dest := make([]byte, DestinationLen+1)
	if _, err := Build([]byte("x"), dest, false); err == nil {
		t.Fatal("expected error for oversized destination")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := make([]byte, PaddingBoundary)
	buf[0] = 0x00
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected malformed-frame error")
	} else if !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestParseRejectsInconsistentLength(t *testing.T) {
	buf := make([]byte, PaddingBoundary)
	buf[0] = Magic
	buf[2+DestinationLen] = 0xFF // length = 0xFF00, far larger than buffer
	buf[2+DestinationLen+1] = 0x00
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected malformed-frame error for inconsistent length")
	}
}

func TestParseRejectsShortFrame(t *testing.T) {
	if _, err := Parse(make([]byte, 3)); err == nil {
		t.Fatal("expected error for frame shorter than header")
	}
}

func TestWrapStripNextHopRoundTrip(t *testing.T) {
	inner := []byte("onward ciphertext")
	wrapped, err := WrapNextHop("peer-123", inner)
	if err != nil {
		t.Fatalf("WrapNextHop: %v", err)
	}
	if len(wrapped) != NextHopLen+len(inner) {
		t.Fatalf("unexpected wrapped length: %d", len(wrapped))
	}

	nextHop, gotInner, err := StripNextHop(wrapped)
	if err != nil {
		t.Fatalf("StripNextHop: %v", err)
	}
	if nextHop != "peer-123" {
		t.Fatalf("next hop mismatch: got %q", nextHop)
	}
	if !bytes.Equal(gotInner, inner) {
		t.Fatalf("inner mismatch: got %q want %q", gotInner, inner)
	}
}

func TestStripNextHopTrimsTrailingNuls(t *testing.T) {
	buf := make([]byte, NextHopLen+4)
	copy(buf, "abc")
	copy(buf[NextHopLen:], "rest")
	id, inner, err := StripNextHop(buf)
	if err != nil {
		t.Fatalf("StripNextHop: %v", err)
	}
	if id != "abc" {
		t.Fatalf("expected trimmed id 'abc', got %q", id)
	}
	if string(inner) != "rest" {
		t.Fatalf("expected inner 'rest', got %q", inner)
	}
}

func TestPaddingAlwaysAtLeastOneBoundary(t *testing.T) {
	frame, err := Build(nil, nil, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(frame) != PaddingBoundary {
		t.Fatalf("expected exactly one boundary for empty payload, got %d", len(frame))
	}
}
