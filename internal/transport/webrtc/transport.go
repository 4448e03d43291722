// Package webrtc implements the transport over pion WebRTC data channels
// with a non-trickle offer/answer exchange.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

type Transport struct {
	cfg      Config
	rtc      webrtc.Configuration
	signaler transport.Signaler
	logger   *logrus.Logger

	mu          sync.Mutex
	connections map[string]*connection
	closed      bool
}

func New(signaler transport.Signaler, cfg Config) *Transport {
	cfg = cfg.withDefaults()

	return &Transport{
		cfg:         cfg,
		rtc:         cfg.rtcConfiguration(),
		signaler:    signaler,
		logger:      cfg.Logger,
		connections: make(map[string]*connection),
	}
}

func (t *Transport) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	conn, created, err := t.session(peerID, true)
	if err != nil {
		return nil, err
	}
	if !created {
		return conn, nil
	}

	if err := conn.offer(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *Transport) Expect(peerID string) (transport.Conn, error) {
	conn, _, err := t.session(peerID, false)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// HandleSignal applies a remote handshake payload. An offer from a peer
// with no session is treated as if Expect had been called.
func (t *Transport) HandleSignal(ctx context.Context, sig transport.Signal) error {
	t.mu.Lock()
	conn, ok := t.connections[sig.PeerID]
	t.mu.Unlock()

	if !ok {
		var err error
		if conn, _, err = t.session(sig.PeerID, false); err != nil {
			return err
		}
	}

	return conn.handleSignal(ctx, sig.Payload)
}

func (t *Transport) session(peerID string, initiator bool) (*connection, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, transport.ErrClosed
	}
	if conn, ok := t.connections[peerID]; ok && conn.Alive() {
		return conn, false, nil
	}

	pc, err := webrtc.NewPeerConnection(t.rtc)
	if err != nil {
		return nil, false, &transport.TransportError{PeerID: peerID, Op: "create", Err: fmt.Errorf("failed to create peer connection: %w", err)}
	}

	conn := newConnection(peerID, pc, t.signaler, initiator, t.cfg)
	conn.onClose = func() { t.remove(peerID, conn) }
	t.connections[peerID] = conn

	t.logger.WithFields(logrus.Fields{"peer": peerID, "initiator": initiator}).Debug("Created session")
	return conn, true, nil
}

func (t *Transport) remove(peerID string, conn *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connections[peerID] == conn {
		delete(t.connections, peerID)
	}
}

// Sessions reports the number of open sessions.
func (t *Transport) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connections)
}

func (t *Transport) Close() error {
	t.logger.WithField("sessions", t.Sessions()).Debug("Closing transport")

	t.mu.Lock()
	t.closed = true
	conns := make([]*connection, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
