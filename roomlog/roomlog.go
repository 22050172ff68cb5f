// Package roomlog is the thinnest possible consumer of a delivered payload:
// an append-only, dedup-by-content log suitable for wiring directly to
// router.Core.OnDelivery in the demo binary and in tests. It has no
// knowledge of circuits, peers, or onion packets — by the time a payload
// reaches here it is just bytes and an opaque delivery tag.
package roomlog

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Entry is one delivered message, recorded once.
type Entry struct {
	ID         string
	Payload    []byte
	Tag        string
	ReceivedAt time.Time
}

// Log is a mutex-guarded, append-only, dedup-by-content message log.
type Log struct {
	mu      sync.Mutex
	seen    map[string]bool
	entries []Entry
}

// New returns an empty Log.
func New() *Log {
	return &Log{seen: make(map[string]bool)}
}

// Consume records payload if its content hash has not been seen before. Its
// signature matches router.DeliveryFunc, so it can be passed directly to
// Core.OnDelivery.
func (l *Log) Consume(payload []byte, tag string) {
	id := messageID(payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[id] {
		return
	}
	l.seen[id] = true
	l.entries = append(l.entries, Entry{
		ID:         id,
		Payload:    append([]byte(nil), payload...),
		Tag:        tag,
		ReceivedAt: time.Now(),
	})
}

// Entries returns a snapshot copy of every recorded entry, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		e.Payload = append([]byte(nil), e.Payload...)
		out[i] = e
	}
	return out
}

// Len returns the number of distinct messages recorded.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func messageID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
