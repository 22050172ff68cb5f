// Package circuit builds, caches, refreshes, and expires circuits of
// 3-5 hops sampled from the peer directory (spec.md §4.5), using unbiased,
// crypto/rand-backed hop selection without replacement.
package circuit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taiorproject/taior/config"
	"github.com/taiorproject/taior/peerdir"
)

// IDLen is the fixed width of a circuit id.
const IDLen = 16

// ErrInsufficientAnonymity is returned when a circuit of the requested
// length would fall below MinHops.
var ErrInsufficientAnonymity = errors.New("circuit: would be shorter than the configured minimum hop count")

// ErrNotEnoughCandidates is returned when the directory does not yet have
// enough eligible peers to build a circuit of the target length.
var ErrNotEnoughCandidates = errors.New("circuit: not enough eligible candidates")

// Hop is one member of a circuit: just enough to address and encrypt to it.
// Circuits store peer ids, not peer pointers (spec.md §9): lookups for
// anything else go back through the directory.
type Hop struct {
	PeerID string
	PubKey [32]byte
}

// Circuit is an ordered path of 3-5 peers (spec.md §3).
type Circuit struct {
	ID              [IDLen]byte
	Hops            []Hop
	CreatedAt       time.Time
	TTL             time.Duration
	RefreshDeadline time.Time
}

// IDString renders the circuit id as hex, for logging.
func (c *Circuit) IDString() string {
	return hex.EncodeToString(c.ID[:])
}

// Expired reports whether the circuit is past its TTL relative to now.
func (c *Circuit) Expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > c.TTL
}

// ContainsPeer reports whether id appears anywhere in the circuit.
func (c *Circuit) ContainsPeer(id string) bool {
	for _, h := range c.Hops {
		if h.PeerID == id {
			return true
		}
	}
	return false
}

// PolicyFunc is the optional decide_next_hop hook from spec.md §4.5: given
// the remaining eligible candidate ids and how many hops are still needed,
// it returns the id to use for the next hop. Returning "" or an id not in
// candidateIDs falls back to uniform random selection for that hop.
type PolicyFunc func(candidateIDs []string, remainingHops int) string

// Manager builds, caches, and refreshes circuits against a peer directory.
// All active-circuit mutation is owned by Manager's own mutex; callers never
// reach into a returned *Circuit's fields to mutate it.
type Manager struct {
	mu     sync.Mutex
	dir    *peerdir.Directory
	cfg    config.Config
	logger *slog.Logger
	policy PolicyFunc

	active map[config.Mode]*Circuit
}

// New constructs a Manager over dir using cfg. logger may be nil.
func New(dir *peerdir.Directory, cfg config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		active: make(map[config.Mode]*Circuit),
	}
}

// SetPolicy installs an external next-hop decision hook. Passing nil
// reverts to uniform random selection.
func (m *Manager) SetPolicy(p PolicyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// targetHopCount resolves a mode to a concrete hop count, sampling within
// MixHopRange for ModeMix (spec.md §4.5: "mix = 4-5"), clamped so no mode
// ever exceeds cfg.MaxHops (spec.md §6's "max_hops: maximum circuit length
// built").
func targetHopCount(mode config.Mode, cfg config.Config) (int, error) {
	if mode == config.ModeMix {
		lo, hi := config.MixHopRange[0], config.MixHopRange[1]
		if hi > cfg.MaxHops {
			hi = cfg.MaxHops
		}
		if lo > hi {
			lo = hi
		}
		n, err := randIntn(hi - lo + 1)
		if err != nil {
			return 0, err
		}
		return lo + n, nil
	}
	hops := config.HopsForMode(mode)
	if hops > cfg.MaxHops {
		hops = cfg.MaxHops
	}
	return hops, nil
}

// Build constructs a fresh circuit for mode without consulting or updating
// the active-circuit cache. It is the synchronous fallback spec.md §4.6
// describes for send() when no cached circuit exists.
func (m *Manager) Build(mode config.Mode) (*Circuit, error) {
	hops, err := targetHopCount(mode, m.cfg)
	if err != nil {
		return nil, err
	}
	if hops < m.cfg.MinHops {
		return nil, fmt.Errorf("%w: mode %s wants %d hops, minimum is %d", ErrInsufficientAnonymity, mode, hops, m.cfg.MinHops)
	}

	candidates := m.dir.Candidates(time.Now(), m.cfg.Staleness)
	if len(candidates) < hops {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughCandidates, hops, len(candidates))
	}

	selected, err := m.selectHops(candidates, hops)
	if err != nil {
		return nil, err
	}

	id, err := newCircuitID()
	if err != nil {
		return nil, fmt.Errorf("circuit: allocate id: %w", err)
	}

	now := time.Now()
	c := &Circuit{
		ID:              id,
		Hops:            selected,
		CreatedAt:       now,
		TTL:             m.cfg.CircuitTTL,
		RefreshDeadline: now.Add(m.cfg.CircuitRefresh),
	}
	m.logger.Info("circuit built", "id", c.IDString(), "hops", len(c.Hops), "mode", mode)
	return c, nil
}

// selectHops samples hops-many peers from candidates without replacement,
// consulting m.policy for each pick when set (spec.md §4.5). The loop
// mirrors pathselect.SelectPath's sequential guard/middle/exit selection,
// generalized from a fixed 3-role pipeline to an arbitrary hop count.
func (m *Manager) selectHops(candidates []peerdir.Snapshot, hops int) ([]Hop, error) {
	m.mu.Lock()
	policy := m.policy
	m.mu.Unlock()

	pool := append([]peerdir.Snapshot(nil), candidates...)
	selected := make([]Hop, 0, hops)
	used := make(map[string]bool, hops)

	for len(selected) < hops {
		if len(pool) == 0 {
			return nil, fmt.Errorf("%w: exhausted candidate pool", ErrNotEnoughCandidates)
		}

		idx := -1
		if policy != nil {
			ids := make([]string, len(pool))
			for i, p := range pool {
				ids[i] = p.ID
			}
			chosen := policy(ids, hops-len(selected))
			for i, p := range pool {
				if p.ID == chosen {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			n, err := randIntn(len(pool))
			if err != nil {
				return nil, err
			}
			idx = n
		}

		p := pool[idx]
		pool = append(pool[:idx], pool[idx+1:]...)
		if used[p.ID] {
			continue
		}
		used[p.ID] = true
		selected = append(selected, Hop{PeerID: p.ID, PubKey: p.StaticPubKey})
	}
	return selected, nil
}

// GetOrBuild returns the cached active circuit for mode, building one
// synchronously if none exists or the cached one has expired.
func (m *Manager) GetOrBuild(mode config.Mode) (*Circuit, error) {
	m.mu.Lock()
	if c, ok := m.active[mode]; ok && !c.Expired(time.Now()) {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := m.Build(mode)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[mode] = c
	m.mu.Unlock()
	return c, nil
}

// RemovePeer tears down any active circuit referencing peerID, per spec.md
// §3's invariant "circuit is purged when any referenced peer is evicted."
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mode, c := range m.active {
		if c.ContainsPeer(peerID) {
			m.logger.Info("circuit purged: referenced peer evicted", "id", c.IDString(), "peer", peerID)
			delete(m.active, mode)
		}
	}
}

// RunRefreshLoop periodically expires stale circuits and lazily rebuilds a
// replacement for any mode that has gone empty, per spec.md §4.5. The old
// circuit is only ever removed from the cache after a new one has been
// built and validated, so observers never see a gap where sends would fail
// that a fresh build could have avoided — spec.md's "replacement MUST be
// indistinguishable to observers."
func (m *Manager) RunRefreshLoop(ctx context.Context, modes []config.Mode) {
	ticker := time.NewTicker(m.cfg.CircuitRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshOnce(modes)
		}
	}
}

func (m *Manager) refreshOnce(modes []config.Mode) {
	now := time.Now()
	for _, mode := range modes {
		m.mu.Lock()
		c, ok := m.active[mode]
		m.mu.Unlock()
		if ok && !c.Expired(now) {
			continue
		}

		fresh, err := m.Build(mode)
		if err != nil {
			m.logger.Warn("circuit refresh failed", "mode", mode, "error", err)
			continue
		}

		m.mu.Lock()
		m.active[mode] = fresh
		m.mu.Unlock()
		if ok {
			m.logger.Info("circuit refreshed", "mode", mode, "old", c.IDString(), "new", fresh.IDString())
		}
	}
}

// Clear empties every active circuit, used by Core.Disconnect.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[config.Mode]*Circuit)
}

func newCircuitID() ([IDLen]byte, error) {
	var id [IDLen]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}
