package router

import "errors"

// Errors returned across Core's upward API (spec.md §7's externally visible
// error kinds). Internal failures — malformed frames, failed decryption,
// handshake timeouts — never surface through these; they are logged and the
// offending frame is dropped.
var (
	// ErrNotInitialized is returned by Send when called before Init.
	ErrNotInitialized = errors.New("router: not initialized")

	// ErrNoCircuit is returned when Send could not obtain a usable circuit,
	// whether because none could be built or because waiting for peers to
	// complete their handshake exceeded the configured timeout.
	ErrNoCircuit = errors.New("router: no usable circuit")

	// ErrInsufficientAnonymity is returned when the requested mode's hop
	// count would fall below the configured minimum.
	ErrInsufficientAnonymity = errors.New("router: requested mode falls below the configured minimum hop count")

	// ErrSendFailed is returned when packet construction or the handoff to
	// the substrate failed for a reason other than anonymity or circuit
	// availability.
	ErrSendFailed = errors.New("router: send failed")

	// ErrCancelled is returned when Send's wait for a handshake was cut
	// short by Disconnect or context cancellation.
	ErrCancelled = errors.New("router: cancelled")
)
