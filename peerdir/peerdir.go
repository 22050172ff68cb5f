// Package peerdir tracks every peer a node has learned about from the
// substrate: handshake state, last-seen time, and the static public key
// used to address onion layers to it (spec.md §4.4).
package peerdir

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// HandshakeState is where a peer sits in the handshake lifecycle.
type HandshakeState int

const (
	Pending HandshakeState = iota
	Completed
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StaticPubKeyLen is the expected length of a peer's raw X25519 public key.
const StaticPubKeyLen = 32

// ErrShortKey is returned by CompleteHandshake when the supplied key is
// shorter than the curve requires.
var ErrShortKey = errors.New("peerdir: static public key too short")

// ErrUnknownPeer is returned by operations on a peer id that was never
// inserted.
var ErrUnknownPeer = errors.New("peerdir: unknown peer")

// Peer is one discovered participant (spec.md §3).
type Peer struct {
	ID             string
	SubstrateAddr  string
	StaticPubKey   [32]byte
	HasStaticKey   bool
	LastSeen       time.Time
	Handshake      HandshakeState
	HandshakeStart time.Time

	// importedKey caches a derived/validated form of StaticPubKey. It is
	// invalidated (set to false) on every CompleteHandshake so the next
	// onion-layer build re-derives it.
	importedKey bool
}

// Snapshot is a value copy of a Peer safe to hand to callers outside the
// directory's lock.
type Snapshot = Peer

// Directory is the mutex-guarded peer registry. All mutation goes through
// its methods; there is no external locking contract beyond "call methods,
// don't reach into fields": the internal mutex is the single ownership
// point for peer state, whichever goroutine calls in.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{peers: make(map[string]*Peer)}
}

// Insert creates a Pending entry for id if one does not already exist.
// Idempotent: re-inserting an existing id only refreshes its substrate
// address.
func (d *Directory) Insert(id, substrateAddr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.SubstrateAddr = substrateAddr
		return
	}
	d.peers[id] = &Peer{
		ID:             id,
		SubstrateAddr:  substrateAddr,
		Handshake:      Pending,
		HandshakeStart: time.Now(),
		LastSeen:       time.Now(),
	}
}

// CompleteHandshake transitions a peer Pending -> Completed and records its
// static public key. It rejects keys shorter than the curve expects and
// invalidates any cached imported-key handle.
func (d *Directory) CompleteHandshake(id string, staticPub []byte) error {
	if len(staticPub) < StaticPubKeyLen {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortKey, len(staticPub), StaticPubKeyLen)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		p = &Peer{ID: id, Handshake: Pending, HandshakeStart: time.Now()}
		d.peers[id] = p
	}
	copy(p.StaticPubKey[:], staticPub[:StaticPubKeyLen])
	p.HasStaticKey = true
	p.Handshake = Completed
	p.importedKey = false
	p.LastSeen = time.Now()
	return nil
}

// Touch updates a peer's last-seen timestamp. No-op for unknown peers, so
// callers may pass any sender id without checking it first.
func (d *Directory) Touch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// MarkFailed transitions a peer to Failed, used when a handshake times out.
func (d *Directory) MarkFailed(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.Handshake = Failed
	}
}

// Get returns a snapshot copy of one peer.
func (d *Directory) Get(id string) (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return Snapshot{}, false
	}
	return *p, true
}

// EvictStale removes every peer whose last-seen time is older than
// staleness relative to now, returning the ids removed so callers (the
// circuit manager) can tear down any circuit referencing them.
func (d *Directory) EvictStale(now time.Time, staleness time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var evicted []string
	for id, p := range d.peers {
		if now.Sub(p.LastSeen) > staleness {
			evicted = append(evicted, id)
			delete(d.peers, id)
		}
	}
	return evicted
}

// EvictTimedOutHandshakes evicts peers still Pending after
// handshakeTimeout, returning the ids removed (spec.md §4.6: "a peer that
// fails to complete handshake within 5s is evicted").
func (d *Directory) EvictTimedOutHandshakes(now time.Time, handshakeTimeout time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var evicted []string
	for id, p := range d.peers {
		if p.Handshake == Pending && now.Sub(p.HandshakeStart) > handshakeTimeout {
			evicted = append(evicted, id)
			delete(d.peers, id)
		}
	}
	return evicted
}

// Remove deletes a peer unconditionally (used when the substrate reports
// on_peer_down).
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

// Candidates returns every peer eligible for circuit selection: Completed
// handshake state, a non-zero public key, and last-seen within staleness.
func (d *Directory) Candidates(now time.Time, staleness time.Duration) []Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Snapshot, 0, len(d.peers))
	for _, p := range d.peers {
		if p.Handshake != Completed || !p.HasStaticKey || p.StaticPubKey == ([StaticPubKeyLen]byte{}) {
			continue
		}
		if now.Sub(p.LastSeen) > staleness {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Len returns the number of tracked peers, for tests and metrics.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// AnyPending reports whether at least one peer is still mid-handshake.
func (d *Directory) AnyPending() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.peers {
		if p.Handshake == Pending {
			return true
		}
	}
	return false
}
