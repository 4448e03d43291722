package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

const eventBuffer = 256

var errPeerFailed = errors.New("peer connection failed")

// signalPayload is the JSON shape of a handshake message: a session
// description, or a single ICE candidate from a trickling browser.
type signalPayload struct {
	Type          string  `json:"type,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type connection struct {
	peerID    string
	initiator bool
	pc        *webrtc.PeerConnection
	signaler  transport.Signaler
	cfg       Config
	logger    logrus.FieldLogger

	mu sync.Mutex
	dc *webrtc.DataChannel

	// serializes handshake steps
	sigMu sync.Mutex

	events   chan transport.Event
	opened   chan struct{}
	openOnce sync.Once
	low      chan struct{}

	// closing releases blocked emits, done follows once none is in
	// flight.
	closing   chan struct{}
	emitMu    sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
	onClose   func()
}

func newConnection(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, initiator bool, cfg Config) *connection {
	c := &connection{
		peerID:    peerID,
		initiator: initiator,
		pc:        pc,
		signaler:  signaler,
		cfg:       cfg,
		logger:    cfg.Logger.WithFields(logrus.Fields{"peer": peerID, "initiator": initiator}),
		events:    make(chan transport.Event, eventBuffer),
		opened:    make(chan struct{}),
		low:       make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.WithField("state", s.String()).Debug("Peer connection state changed")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.fail("connect", errPeerFailed)
		case webrtc.PeerConnectionStateClosed:
			c.finish(nil)
		}
	})

	if !initiator {
		pc.OnDataChannel(c.attach)
	}

	return c
}

func (c *connection) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	if c.dc != nil {
		c.mu.Unlock()
		c.logger.WithField("label", dc.Label()).Warn("Ignoring extra data channel")
		_ = dc.Close()
		return
	}
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(c.cfg.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		c.logger.WithField("label", dc.Label()).Debug("Data channel open")
		c.openOnce.Do(func() { close(c.opened) })
		c.emit(transport.Connected{})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		payload := make([]byte, len(msg.Data))
		copy(payload, msg.Data)
		c.emit(transport.Data{Payload: payload, Text: msg.IsString})
	})

	dc.OnError(func(err error) {
		c.fail("channel", err)
	})

	dc.OnClose(func() {
		c.logger.Debug("Data channel closed")
		c.finish(nil)
	})
}

func (c *connection) emit(ev transport.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()

	select {
	case <-c.closing:
		return
	default:
	}

	select {
	case c.events <- ev:
	case <-c.closing:
	}
}

func (c *connection) fail(op string, err error) {
	c.finish(&transport.TransportError{PeerID: c.peerID, Op: op, Err: err})
}

// finish ends the session once. The peer connection is closed off the
// calling goroutine since pion callbacks may land here.
func (c *connection) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		close(c.closing)
		c.emitMu.Lock()
		close(c.done)
		c.emitMu.Unlock()

		if err != nil {
			c.logger.WithError(err).Warn("Session failed")
		} else {
			c.logger.Info("Session closed")
		}
		if c.onClose != nil {
			c.onClose()
		}

		go func() { _ = c.pc.Close() }()
	})
}

// offer runs the initiator half of the handshake.
func (c *connection) offer(ctx context.Context) error {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()

	dc, err := c.pc.CreateDataChannel(channelLabel, DefaultDataChannelConfig())
	if err != nil {
		return c.handshakeError("create-channel", err)
	}
	c.attach(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return c.handshakeError("create-offer", err)
	}

	return c.publishLocal(ctx, offer)
}

func (c *connection) handleSignal(ctx context.Context, raw []byte) error {
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return &transport.TransportError{PeerID: c.peerID, Op: "signal", Err: err}
	}

	c.sigMu.Lock()
	defer c.sigMu.Unlock()

	if p.Candidate != "" {
		err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		})
		if err != nil {
			return &transport.TransportError{PeerID: c.peerID, Op: "candidate", Err: err}
		}
		return nil
	}

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(p.Type), SDP: p.SDP}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.initiator {
			return &transport.TransportError{PeerID: c.peerID, Op: "signal", Err: errors.New("unexpected offer")}
		}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return c.handshakeError("set-remote", err)
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return c.handshakeError("create-answer", err)
		}
		return c.publishLocal(ctx, answer)
	case webrtc.SDPTypeAnswer:
		if !c.initiator {
			return &transport.TransportError{PeerID: c.peerID, Op: "signal", Err: errors.New("unexpected answer")}
		}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return c.handshakeError("set-remote", err)
		}
		return nil
	default:
		c.logger.WithField("type", p.Type).Debug("Ignoring signal")
		return nil
	}
}

// publishLocal applies desc, waits for ICE gathering and sends the full
// description to the remote peer.
func (c *connection) publishLocal(ctx context.Context, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return c.handshakeError("set-local", err)
	}

	timer := time.NewTimer(c.cfg.GatherTimeout)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		c.logger.Warn("ICE gathering timed out, sending partial candidates")
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return c.handshakeError("gather", errors.New("no local description"))
	}

	payload, err := json.Marshal(signalPayload{Type: local.Type.String(), SDP: local.SDP})
	if err != nil {
		return err
	}
	if err := c.signaler.SendSignal(ctx, c.peerID, payload); err != nil {
		return c.handshakeError("signal", fmt.Errorf("sending %s: %w", local.Type, err))
	}

	c.logger.WithField("type", local.Type.String()).Debug("Sent session description")
	return nil
}

func (c *connection) handshakeError(op string, err error) error {
	terr := &transport.TransportError{PeerID: c.peerID, Op: op, Err: err}
	c.finish(terr)
	return terr
}

func (c *connection) PeerID() string {
	return c.peerID
}

func (c *connection) Initiator() bool {
	return c.initiator
}

func (c *connection) Events() <-chan transport.Event {
	return c.events
}

func (c *connection) Done() <-chan struct{} {
	return c.done
}

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *connection) Send(ctx context.Context, data []byte) error {
	return c.write(ctx, func(dc *webrtc.DataChannel) error { return dc.Send(data) })
}

func (c *connection) SendText(ctx context.Context, text string) error {
	return c.write(ctx, func(dc *webrtc.DataChannel) error { return dc.SendText(text) })
}

// write waits for the channel to open and for the send buffer to drain
// below the high-water mark.
func (c *connection) write(ctx context.Context, send func(*webrtc.DataChannel) error) error {
	select {
	case <-c.opened:
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	for dc.BufferedAmount() > c.cfg.HighWaterMark {
		select {
		case <-c.low:
		case <-c.done:
			return transport.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !c.Alive() || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrClosed
	}
	if err := send(dc); err != nil {
		return &transport.TransportError{PeerID: c.peerID, Op: "send", Err: err}
	}
	return nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	c.finish(nil)
	return nil
}

var _ transport.Conn = (*connection)(nil)
