package roomlog

import "testing"

func TestConsumeRecordsNewMessage(t *testing.T) {
	l := New()
	l.Consume([]byte("hello"), "anonymous")
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	entries := l.Entries()
	if string(entries[0].Payload) != "hello" {
		t.Fatalf("unexpected payload %q", entries[0].Payload)
	}
	if entries[0].Tag != "anonymous" {
		t.Fatalf("unexpected tag %q", entries[0].Tag)
	}
}

func TestConsumeDeduplicatesByContent(t *testing.T) {
	l := New()
	l.Consume([]byte("repeat"), "anonymous")
	l.Consume([]byte("repeat"), "anonymous")
	l.Consume([]byte("different"), "anonymous")
	if l.Len() != 2 {
		t.Fatalf("expected 2 distinct entries, got %d", l.Len())
	}
}

func TestEntriesReturnsIndependentCopy(t *testing.T) {
	l := New()
	l.Consume([]byte("hello"), "anonymous")
	entries := l.Entries()
	entries[0].Payload[0] = 'X'
	if string(l.Entries()[0].Payload) != "hello" {
		t.Fatal("mutating a returned entry's payload affected the log's own copy")
	}
}
