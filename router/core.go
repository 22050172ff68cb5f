// Package router implements the per-hop forwarding state machine and the
// Core facade applications drive (spec.md §4.6, §5). It is the one place
// that sees a node's own private key, classifies frames by their leading
// magic byte, and decides whether to peel, forward, originate, or drop.
//
// Every mutation of peer and circuit state still flows through peerdir and
// circuit's own mutex-guarded methods; Core adds only the bookkeeping
// needed to drive them from substrate callbacks and to serialize its own
// lifecycle (init, cover-traffic toggle, disconnect).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taiorproject/taior/aorp"
	"github.com/taiorproject/taior/circuit"
	"github.com/taiorproject/taior/config"
	"github.com/taiorproject/taior/cover"
	"github.com/taiorproject/taior/identity"
	"github.com/taiorproject/taior/onioncrypt"
	"github.com/taiorproject/taior/peerdir"
	"github.com/taiorproject/taior/substrate"
)

// handshakeMagic is the non-onion wire tag for handshake announcements.
// Onion traffic, real or cover, reuses aorp.Magic as its outer wire tag
// (spec.md §4.6: cover is wrapped through the active circuit identically
// to a real payload, so it is not distinguishable at that level). A
// directly received, non-circuit 0xFF frame is still classified as cover
// for interop with the link-level form spec.md §3 also names; cover.Magic
// is the same byte reused as the innermost marker a final hop recognizes
// once it has peeled every onion layer.
const handshakeMagic byte = 0xBB

// DeliveryFunc receives a payload that has arrived at this node as its
// final destination. tag is "anonymous" unless a future policy chooses to
// disclose the immediate last hop; it is never a claimed origin address
// (spec.md §4.6).
type DeliveryFunc func(payload []byte, tag string)

// Stats are monotonic counters exposed for tests and operational logging.
type Stats struct {
	Forwarded atomic.Int64
	Delivered atomic.Int64
	Dropped   atomic.Int64
	CoverSent atomic.Int64
}

// Core is the upward API surface: one per node. Construct with New, then
// call Init before Send or EnableCoverTraffic.
type Core struct {
	cfg    config.Config
	suite  onioncrypt.Suite
	logger *slog.Logger
	sub    substrate.Substrate

	id  *identity.Identity
	dir *peerdir.Directory
	cir *circuit.Manager

	Stats Stats

	mu          sync.Mutex
	initialized bool
	ctx         context.Context
	cancel      context.CancelFunc
	deliveryCb  DeliveryFunc
	coverCancel context.CancelFunc
}

// New allocates a Core bound to sub. It generates this node's session
// identity and resolves cfg.Suite, but performs no I/O and starts no
// background work until Init is called.
func New(cfg config.Config, sub substrate.Substrate, logger *slog.Logger) (*Core, error) {
	id, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("router: generate identity: %w", err)
	}
	return NewWithIdentity(cfg, sub, logger, id)
}

// NewWithIdentity is New with an externally supplied identity, used by
// tests that must know a node's peer id before wiring it into a
// substrate.Network.
func NewWithIdentity(cfg config.Config, sub substrate.Substrate, logger *slog.Logger, id *identity.Identity) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	suite, err := onioncrypt.ParseSuite(cfg.Suite)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	dir := peerdir.New()
	return &Core{
		cfg:    cfg,
		suite:  suite,
		logger: logger,
		sub:    sub,
		id:     id,
		dir:    dir,
		cir:    circuit.New(dir, cfg, logger),
	}, nil
}

// Init wires this Core to its substrate, starts the refresh and staleness
// background loops, optionally starts cover traffic, and returns this
// node's address token. Init is idempotent: calling it again after success
// just returns the same address.
func (c *Core) Init() (string, error) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return c.id.Address(), nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.initialized = true
	coverEnabled := c.cfg.CoverEnabled
	c.mu.Unlock()

	c.sub.OnFrame(c.handleFrame)
	c.sub.OnPeerUp(c.handlePeerUp)
	c.sub.OnPeerDown(c.handlePeerDown)

	modes := []config.Mode{config.ModeFast, config.ModeAdaptive, config.ModeMix}
	go c.cir.RunRefreshLoop(c.ctx, modes)
	go c.stalenessLoop(c.ctx)

	if coverEnabled {
		c.EnableCoverTraffic(true, c.cfg.CoverRate)
	}

	c.logger.Info("router initialized", "address", c.id.Address())
	return c.id.Address(), nil
}

// Address returns this node's address token, valid before and after Init.
func (c *Core) Address() string {
	return c.id.Address()
}

// ID returns the bare peer id other nodes must use to address this one at
// the substrate layer. Loopback-based tests register each node under its
// own ID so that destination matching and next-hop addressing agree;
// spec.md does not mandate how a real deployment maps substrate addresses
// to peer ids, so substrate.TCP uses the remote address itself as a
// simplification (see DESIGN.md).
func (c *Core) ID() string {
	return c.id.ID()
}

// OnDelivery registers the callback invoked for every payload addressed to
// this node. Only one callback is kept.
func (c *Core) OnDelivery(cb DeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveryCb = cb
}

// Send builds a circuit-length onion packet for payload over a circuit of
// the requested mode and hands it to the substrate, returning the exact
// encrypted bytes that left the node. It blocks, up to
// cfg.HandshakeTimeout, if the directory does not yet have enough completed
// peers to build the circuit — spec.md §4.6's "send waits for handshake."
func (c *Core) Send(payload []byte, mode config.Mode) ([]byte, error) {
	c.mu.Lock()
	initialized := c.initialized
	ctx := c.ctx
	c.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	ckt, err := c.cir.GetOrBuild(mode)
	switch {
	case err == nil:
		// fall through to send
	case errors.Is(err, circuit.ErrInsufficientAnonymity):
		return nil, fmt.Errorf("%w: %v", ErrInsufficientAnonymity, err)
	case errors.Is(err, circuit.ErrNotEnoughCandidates):
		ckt, err = c.waitForCircuit(ctx, mode)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrNoCircuit, err)
	}

	out, err := c.buildOnionPacket(ckt, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := c.waitJitter(ctx); err != nil {
		return nil, err
	}
	if err := c.sub.SendFrame(ckt.Hops[0].PeerID, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return out, nil
}

// waitForCircuit polls GetOrBuild until it succeeds, the directory still
// lacks enough candidates after cfg.HandshakeTimeout, or ctx is cancelled.
func (c *Core) waitForCircuit(ctx context.Context, mode config.Mode) (*circuit.Circuit, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		ckt, err := c.cir.GetOrBuild(mode)
		if err == nil {
			return ckt, nil
		}
		if !errors.Is(err, circuit.ErrNotEnoughCandidates) {
			return nil, fmt.Errorf("%w: %v", ErrNoCircuit, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no handshake completed within %s: %v", ErrNoCircuit, c.cfg.HandshakeTimeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// buildOnionPacket layers payload for delivery to ckt's final hop: it builds
// the innermost AORP frame addressed to that hop, then hands off to
// wrapLayers for the per-hop encryption.
func (c *Core) buildOnionPacket(ckt *circuit.Circuit, payload []byte) ([]byte, error) {
	last := ckt.Hops[len(ckt.Hops)-1]
	destTok := aorp.DestinationToken(last.PeerID)

	buf, err := aorp.Build(payload, destTok[:], false)
	if err != nil {
		return nil, fmt.Errorf("build inner frame: %w", err)
	}
	return c.wrapLayers(ckt, buf)
}

// wrapLayers onion-wraps inner through every hop of ckt and prefixes the
// result with the onion wire tag — the bytes returned are exactly what
// goes to ckt.Hops[0] over the substrate.
//
// inner is encrypted for the last hop first, with no next-hop annotation
// (it is the final hop; there is nothing to forward it to). Each layer
// built after that prepends the id of the hop the just-built layer routes
// to, then encrypts for the current hop's key, so peeling hop i's layer
// reveals exactly [next-hop id][still-encrypted blob for hop i+1] — except
// at the last hop, which sees inner itself.
func (c *Core) wrapLayers(ckt *circuit.Circuit, inner []byte) ([]byte, error) {
	n := len(ckt.Hops)
	buf := inner
	var err error
	for i := n - 1; i >= 0; i-- {
		if i < n-1 {
			buf, err = aorp.WrapNextHop(ckt.Hops[i+1].PeerID, buf)
			if err != nil {
				return nil, fmt.Errorf("wrap next-hop for layer %d: %w", i, err)
			}
		}
		buf, err = onioncrypt.EncryptLayer(c.suite, ckt.Hops[i].PubKey, buf)
		if err != nil {
			return nil, fmt.Errorf("encrypt layer %d: %w", i, err)
		}
	}
	return append([]byte{aorp.Magic}, buf...), nil
}

// waitJitter sleeps for a jittered delay bounded by cfg.JitterMax, or
// returns ErrCancelled if ctx ends first.
func (c *Core) waitJitter(ctx context.Context) error {
	d, err := jitterDelay(c.cfg.JitterMax)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

// EnableCoverTraffic starts or stops the cover-traffic scheduler (spec.md
// §4.6). A non-positive rate leaves the previously configured rate
// unchanged.
func (c *Core) EnableCoverTraffic(enabled bool, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rate > 0 {
		c.cfg.CoverRate = rate
	}
	c.cfg.CoverEnabled = enabled

	if c.coverCancel != nil {
		c.coverCancel()
		c.coverCancel = nil
	}
	if enabled && c.ctx != nil {
		ctx, cancel := context.WithCancel(c.ctx)
		c.coverCancel = cancel
		sched := cover.New(c.cfg.CoverRate, c.sendCoverFrame, c.logger)
		go sched.Run(ctx)
	}
}

// sendCoverFrame wraps payload (a cover.Magic-tagged dummy frame) through
// the active circuit identically to a real payload and sends it to the
// first hop, exactly as spec.md §4.6 requires: every intermediate hop sees
// the same [next-hop id][onward ciphertext] shape it would for real
// traffic, and only the final hop, finding cover.Magic instead of a valid
// AORP frame once it peels down to the innermost layer, recognizes and
// drops it. There is no dedicated "cover circuit" mode; cover traffic rides
// the adaptive-mode circuit, built or reused the same way Send would.
func (c *Core) sendCoverFrame(payload []byte) error {
	ckt, err := c.cir.GetOrBuild(config.ModeAdaptive)
	if err != nil {
		return fmt.Errorf("router: no circuit available for cover traffic: %w", err)
	}

	out, err := c.wrapLayers(ckt, payload)
	if err != nil {
		return fmt.Errorf("router: wrap cover frame: %w", err)
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.waitJitter(ctx); err != nil {
		return err
	}
	if err := c.sub.SendFrame(ckt.Hops[0].PeerID, out); err != nil {
		return err
	}
	c.Stats.CoverSent.Add(1)
	return nil
}

// Disconnect tears down background work, clears cached circuits, and
// zeroizes this node's private key. Core is not usable afterward.
func (c *Core) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.initialized = false
	c.mu.Unlock()

	c.cir.Clear()
	c.id.Zero()
}

func (c *Core) stalenessLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range c.dir.EvictStale(now, c.cfg.Staleness) {
				c.cir.RemovePeer(id)
				c.logger.Info("peer evicted: stale", "peer", id)
			}
			for _, id := range c.dir.EvictTimedOutHandshakes(now, c.cfg.HandshakeTimeout) {
				c.cir.RemovePeer(id)
				c.logger.Info("peer evicted: handshake timeout", "peer", id)
			}
		}
	}
}

func (c *Core) handlePeerUp(peerID, addr string) {
	c.dir.Insert(peerID, addr)
	pub := c.id.PublicKey()
	hs := append([]byte{handshakeMagic}, pub[:]...)
	if err := c.sub.SendFrame(peerID, hs); err != nil {
		c.logger.Warn("failed to send handshake", "peer", peerID, "error", err)
	}
}

func (c *Core) handlePeerDown(peerID string) {
	c.dir.Remove(peerID)
	c.cir.RemovePeer(peerID)
}

func (c *Core) handleFrame(peerID string, b []byte) {
	if len(b) < 1 {
		return
	}
	switch b[0] {
	case handshakeMagic:
		if err := c.dir.CompleteHandshake(peerID, b[1:]); err != nil {
			c.logger.Debug("handshake rejected", "peer", peerID, "error", err)
		}
	case cover.Magic:
		c.dir.Touch(peerID)
	case aorp.Magic:
		c.handleOnion(peerID, b[1:])
	default:
		c.Stats.Dropped.Add(1)
	}
}

// handleOnion peels one layer and either delivers, drops, or forwards the
// cleartext (spec.md §4.6): a cleartext that parses as an AORP frame
// addressed to this node is delivered; one that starts with cover.Magic is
// a cover frame that has reached the end of its circuit and is dropped
// silently after touching the sender's last-seen time; anything else is
// treated as [next-hop(32)][onward ciphertext] and forwarded byte-for-byte.
func (c *Core) handleOnion(fromPeer string, layer []byte) {
	plaintext, err := onioncrypt.DecryptLayer(c.suite, c.id.PrivateKey(), layer)
	if err != nil {
		c.Stats.Dropped.Add(1)
		return
	}

	if len(plaintext) > 0 && plaintext[0] == cover.Magic {
		c.dir.Touch(fromPeer)
		c.Stats.Dropped.Add(1)
		return
	}

	if frame, err := aorp.Parse(plaintext); err == nil && frame.Destination == aorp.DestinationToken(c.id.ID()) {
		c.Stats.Delivered.Add(1)
		c.mu.Lock()
		cb := c.deliveryCb
		c.mu.Unlock()
		if cb != nil {
			cb(frame.Payload, "anonymous")
		}
		return
	}

	nextHop, onward, err := aorp.StripNextHop(plaintext)
	if err != nil || nextHop == "" {
		c.Stats.Dropped.Add(1)
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.waitJitter(ctx); err != nil {
		c.Stats.Dropped.Add(1)
		return
	}

	out := append([]byte{aorp.Magic}, onward...)
	if err := c.sub.SendFrame(nextHop, out); err != nil {
		c.logger.Debug("forward failed", "from", fromPeer, "to", nextHop, "error", err)
		c.Stats.Dropped.Add(1)
		return
	}
	c.Stats.Forwarded.Add(1)
}
