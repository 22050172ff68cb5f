package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taiorproject/taior/aorp"
	"github.com/taiorproject/taior/config"
	"github.com/taiorproject/taior/identity"
	"github.com/taiorproject/taior/substrate"
)

// testNode bundles a Core with the identity and Loopback it was built
// against, since Core itself does not expose either beyond Address/ID.
type testNode struct {
	core *Core
	lb   *substrate.Loopback
}

func newTestNode(t *testing.T, net *substrate.Network, cfg config.Config) testNode {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	lb := net.NewNode(id.ID())
	core, err := NewWithIdentity(cfg, lb, nil, id)
	if err != nil {
		t.Fatalf("NewWithIdentity: %v", err)
	}
	if _, err := core.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return testNode{core: core, lb: lb}
}

// meshConnect wires every pair of nodes directly, modeling the flat,
// fully-reachable overlay this spec assumes (see DESIGN.md): a node's peer
// directory doubles as its substrate neighbor table.
func meshConnect(t *testing.T, net *substrate.Network, nodes ...testNode) {
	t.Helper()
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if err := net.Connect(nodes[i].core.ID(), nodes[j].core.ID()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
		}
	}
}

func waitForCandidates(t *testing.T, n testNode, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.core.dir.Len() >= want && !n.core.dir.AnyPending() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node never reached %d completed peers", want)
}

func testConfig(opts ...config.Option) config.Config {
	base := []config.Option{
		config.WithHandshakeTimeout(2 * time.Second),
		config.WithCoverEnabled(false),
	}
	return config.New(append(base, opts...)...)
}

func TestThreeHopRoundTripDeliversPayload(t *testing.T) {
	net := substrate.NewNetwork()
	cfg := testConfig()

	origin := newTestNode(t, net, cfg)
	hopA := newTestNode(t, net, cfg)
	hopB := newTestNode(t, net, cfg)
	hopC := newTestNode(t, net, cfg)
	meshConnect(t, net, origin, hopA, hopB, hopC)
	waitForCandidates(t, origin, 3, time.Second)

	delivered := make(chan []byte, 1)
	var tagSeen string
	for _, h := range []testNode{hopA, hopB, hopC} {
		h.core.OnDelivery(func(payload []byte, tag string) {
			tagSeen = tag
			select {
			case delivered <- payload:
			default:
			}
		})
	}

	payload := []byte("hello room")
	out, err := origin.core.Send(payload, config.ModeAdaptive)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Send returned an empty outbound packet")
	}

	select {
	case got := <-delivered:
		if string(got) != string(payload) {
			t.Fatalf("delivered payload %q, want %q", got, payload)
		}
		if tagSeen != "anonymous" {
			t.Fatalf("delivery tag %q, want \"anonymous\"", tagSeen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload was never delivered")
	}
}

func TestForwardingPreservesPayloadBytes(t *testing.T) {
	net := substrate.NewNetwork()
	cfg := testConfig()

	nodes := make([]testNode, 4)
	for i := range nodes {
		nodes[i] = newTestNode(t, net, cfg)
	}
	meshConnect(t, net, nodes...)
	waitForCandidates(t, nodes[0], 3, time.Second)

	payload := make([]byte, 900)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	delivered := make(chan []byte, 1)
	for _, n := range nodes[1:] {
		n.core.OnDelivery(func(p []byte, _ string) {
			select {
			case delivered <- p:
			default:
			}
		})
	}

	if _, err := nodes[0].core.Send(payload, config.ModeAdaptive); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-delivered:
		if len(got) != len(payload) {
			t.Fatalf("delivered %d bytes, want %d", len(got), len(payload))
		}
		for i := range payload {
			if got[i] != payload[i] {
				t.Fatalf("byte %d mismatch: got %02x want %02x", i, got[i], payload[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload was never delivered")
	}
}

// frameSpy wraps a Loopback to record every frame it sends in full, so
// cover-traffic frames can be distinguished from handshakes by their
// leading wire tag rather than by a guessed size band.
type frameSpy struct {
	*substrate.Loopback
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSpy) SendFrame(peerID string, b []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), b...))
	s.mu.Unlock()
	return s.Loopback.SendFrame(peerID, b)
}

// TestCoverTrafficSharesOnionFrameSizeDistribution exercises scenario S3:
// with cover traffic enabled and one real payload sent over the same
// adaptive-mode circuit, every onion-tagged frame A puts on the wire —
// cover or real — must fall in the same 512-byte size bucket family,
// because both are now built through the identical onion-wrap pipeline.
func TestCoverTrafficSharesOnionFrameSizeDistribution(t *testing.T) {
	net := substrate.NewNetwork()
	cfg := testConfig(config.WithCoverEnabled(false), config.WithCoverRate(80))

	idA, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	spy := &frameSpy{Loopback: net.NewNode(idA.ID())}
	coreA, err := NewWithIdentity(cfg, spy, nil, idA)
	if err != nil {
		t.Fatalf("NewWithIdentity: %v", err)
	}
	if _, err := coreA.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for i := 0; i < 3; i++ {
		peer := newTestNode(t, net, cfg)
		if err := net.Connect(idA.ID(), peer.core.ID()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	waitForCandidates(t, testNode{core: coreA}, 3, time.Second)

	coreA.EnableCoverTraffic(true, 80)
	if _, err := coreA.Send([]byte("hello room"), config.ModeAdaptive); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
	coreA.EnableCoverTraffic(false, 0)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	var onionSizes []int
	for _, f := range spy.frames {
		if len(f) > 0 && f[0] == aorp.Magic {
			onionSizes = append(onionSizes, len(f))
		}
	}
	if len(onionSizes) < 2 {
		t.Fatal("expected both the real payload's frame and at least one cover frame on the wire")
	}

	mod := onionSizes[0] % aorp.PaddingBoundary
	for _, n := range onionSizes {
		if n%aorp.PaddingBoundary != mod {
			t.Fatalf("onion frame size %d breaks the shared %d-byte bucketing shared with the rest (%v)", n, aorp.PaddingBoundary, onionSizes)
		}
	}
	if coreA.Stats.CoverSent.Load() == 0 {
		t.Fatal("expected CoverSent to be incremented")
	}
}

func TestSendRefusesBelowMinHops(t *testing.T) {
	net := substrate.NewNetwork()
	cfg := testConfig(config.WithMinHops(3))
	origin := newTestNode(t, net, cfg)

	start := time.Now()
	_, err := origin.core.Send([]byte("hi"), config.ModeFast)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error sending fast (2-hop) mode with min_hops=3")
	}
	if !errors.Is(err, ErrInsufficientAnonymity) {
		t.Fatalf("expected ErrInsufficientAnonymity, got %v", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("refusal should be immediate, took %s", elapsed)
	}
}

func TestSendWaitsForPendingHandshake(t *testing.T) {
	net := substrate.NewNetwork()
	cfg := testConfig(config.WithMinHops(1), config.WithHandshakeTimeout(2*time.Second))

	origin := newTestNode(t, net, cfg)
	peerB := newTestNode(t, net, cfg)
	peerC := newTestNode(t, net, cfg)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = net.Connect(origin.core.ID(), peerB.core.ID())
		_ = net.Connect(origin.core.ID(), peerC.core.ID())
	}()

	start := time.Now()
	_, err := origin.core.Send([]byte("waited"), config.ModeFast)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if elapsed < 70*time.Millisecond {
		t.Fatalf("Send returned too quickly (%s) to have actually waited", elapsed)
	}
}

func TestSendContinuesAcrossCircuitRefresh(t *testing.T) {
	net := substrate.NewNetwork()
	cfg := testConfig(
		config.WithCircuitTTL(30*time.Millisecond),
		config.WithCircuitRefresh(40*time.Millisecond),
	)

	origin := newTestNode(t, net, cfg)
	hopA := newTestNode(t, net, cfg)
	hopB := newTestNode(t, net, cfg)
	hopC := newTestNode(t, net, cfg)
	meshConnect(t, net, origin, hopA, hopB, hopC)
	waitForCandidates(t, origin, 3, time.Second)

	delivered := make(chan []byte, 4)
	for _, h := range []testNode{hopA, hopB, hopC} {
		h.core.OnDelivery(func(p []byte, _ string) {
			select {
			case delivered <- p:
			default:
			}
		})
	}

	if _, err := origin.core.Send([]byte("first"), config.ModeAdaptive); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first payload was never delivered")
	}

	time.Sleep(100 * time.Millisecond) // let the TTL lapse and the refresh loop rebuild

	if _, err := origin.core.Send([]byte("second"), config.ModeAdaptive); err != nil {
		t.Fatalf("second Send after refresh: %v", err)
	}
	select {
	case got := <-delivered:
		if string(got) != "second" {
			t.Fatalf("delivered %q, want \"second\"", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second payload was never delivered after circuit refresh")
	}
}
