package substrate

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// maxFrameLen bounds a single length-prefixed frame, matching aorp's
// MaxPayloadLen so a peeled AORP frame is never itself truncated by the
// transport below it.
const maxFrameLen = 65535

// TCP is a length-prefixed, unencrypted reference transport: a 2-byte
// big-endian length header followed by that many bytes, one frame per
// write. It carries already onion-encrypted bytes, so it adds no
// confidentiality of its own.
type TCP struct {
	logger *slog.Logger

	mu         sync.Mutex
	conns      map[string]net.Conn
	onFrame    func(peerID string, b []byte)
	onPeerUp   func(peerID, addr string)
	onPeerDown func(peerID string)
}

// NewTCP constructs an idle TCP substrate. Call Listen and/or Dial to start
// exchanging frames with peers.
func NewTCP(logger *slog.Logger) *TCP {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCP{logger: logger, conns: make(map[string]net.Conn)}
}

func (t *TCP) OnFrame(cb func(peerID string, b []byte)) {
	t.mu.Lock()
	t.onFrame = cb
	t.mu.Unlock()
}

func (t *TCP) OnPeerUp(cb func(peerID, addr string)) {
	t.mu.Lock()
	t.onPeerUp = cb
	t.mu.Unlock()
}

func (t *TCP) OnPeerDown(cb func(peerID string)) {
	t.mu.Lock()
	t.onPeerDown = cb
	t.mu.Unlock()
}

// Listen accepts inbound connections on addr until the listener is closed
// or the process exits; each accepted connection is tracked under its
// remote address as peer id.
func (t *TCP) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("substrate: listen %s: %w", addr, err)
	}
	t.logger.Info("substrate listening", "addr", addr)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				t.logger.Warn("substrate accept failed", "error", err)
				return
			}
			t.adopt(conn)
		}
	}()
	return nil
}

// Dial connects to addr and tracks the connection under addr as peer id.
func (t *TCP) Dial(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("substrate: dial %s: %w", addr, err)
	}
	t.adopt(conn)
	return nil
}

func (t *TCP) adopt(conn net.Conn) {
	peerID := conn.RemoteAddr().String()

	t.mu.Lock()
	t.conns[peerID] = conn
	up := t.onPeerUp
	t.mu.Unlock()

	if up != nil {
		up(peerID, peerID)
	}
	go t.readLoop(peerID, conn)
}

func (t *TCP) readLoop(peerID string, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			t.drop(peerID, conn, err)
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.drop(peerID, conn, err)
			return
		}

		t.mu.Lock()
		cb := t.onFrame
		t.mu.Unlock()
		if cb != nil {
			cb(peerID, buf)
		}
	}
}

func (t *TCP) drop(peerID string, conn net.Conn, cause error) {
	t.logger.Debug("substrate connection closed", "peer", peerID, "error", cause)
	_ = conn.Close()

	t.mu.Lock()
	delete(t.conns, peerID)
	down := t.onPeerDown
	t.mu.Unlock()

	if down != nil {
		down(peerID)
	}
}

// SendFrame writes one length-prefixed frame to peerID's connection.
func (t *TCP) SendFrame(peerID string, b []byte) error {
	if len(b) > maxFrameLen {
		return fmt.Errorf("substrate: frame %d bytes exceeds max %d", len(b), maxFrameLen)
	}
	t.mu.Lock()
	conn, ok := t.conns[peerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("substrate: send: unknown peer %q", peerID)
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("substrate: write length: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("substrate: write payload: %w", err)
	}
	return nil
}

// Close closes every tracked connection.
func (t *TCP) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, id)
	}
}
