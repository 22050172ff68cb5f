// Package substrate defines the downward interface router depends on: an
// unreliable, unordered-across-hops datagram channel between directly
// connected peers (spec.md §3, §8). Two implementations live alongside the
// interface: Loopback, an in-process fake used by router's own tests, and
// TCP, a length-prefixed reference transport used by cmd/taior-node.
//
// Neither implementation interprets the bytes it carries. Classification by
// magic byte, onion peeling, and forwarding all live in package router.
package substrate

// Substrate is the single abstraction router builds on. An implementation
// owns peer discovery and connection lifecycle; it reports both to router
// via the On* callbacks rather than exposing its connections directly.
type Substrate interface {
	// SendFrame hands b to the connection identified by peerID. Delivery is
	// best-effort: a returned error means the frame could not be queued at
	// all (unknown peer, closed connection), never that it failed to arrive.
	SendFrame(peerID string, b []byte) error

	// OnFrame registers the callback invoked for every frame received from
	// any peer. Only one callback is kept; registering again replaces it.
	OnFrame(func(peerID string, b []byte))

	// OnPeerUp registers the callback invoked once a channel to a new peer
	// becomes usable, carrying substrate-local addressing information.
	OnPeerUp(func(peerID, addr string))

	// OnPeerDown registers the callback invoked when a previously-up peer's
	// channel is lost.
	OnPeerDown(func(peerID string))
}
