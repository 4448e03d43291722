// Package transporttest provides an in-memory transport.Conn pair.
package transporttest

import (
	"context"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const DefaultBuffer = 16

// pipeState is shared by both ends. closing releases blocked senders;
// done closes only after every in-flight send has finished, so an event
// whose send succeeded is always buffered before Done fires.
type pipeState struct {
	once    sync.Once
	closing chan struct{}
	done    chan struct{}
	sendMu  sync.RWMutex
	mu      sync.Mutex
	err     error
}

func (s *pipeState) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closing)

		s.sendMu.Lock()
		close(s.done)
		s.sendMu.Unlock()
	})
}

// Conn is one end of a Pipe. Both ends share their lifetime: closing or
// failing either one ends the other.
type Conn struct {
	peerID    string
	initiator bool
	events    chan transport.Event
	remote    *Conn
	state     *pipeState
}

// Pipe returns a connected pair. a is the initiator, and each end's
// PeerID names the other side. Both ends already hold a Connected event.
func Pipe(a, b string) (*Conn, *Conn) {
	return PipeWithBuffer(a, b, DefaultBuffer)
}

// PipeWithBuffer is Pipe with a custom number of in-flight messages per
// direction. Send blocks once the remote end holds that many unread events.
func PipeWithBuffer(a, b string, buffer int) (*Conn, *Conn) {
	if buffer < 1 {
		buffer = 1
	}
	state := &pipeState{closing: make(chan struct{}), done: make(chan struct{})}

	atA := &Conn{peerID: b, initiator: true, events: make(chan transport.Event, buffer+1), state: state}
	atB := &Conn{peerID: a, initiator: false, events: make(chan transport.Event, buffer+1), state: state}
	atA.remote, atB.remote = atB, atA

	atA.events <- transport.Connected{}
	atB.events <- transport.Connected{}

	return atA, atB
}

func (c *Conn) PeerID() string {
	return c.peerID
}

func (c *Conn) Initiator() bool {
	return c.initiator
}

func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

func (c *Conn) Done() <-chan struct{} {
	return c.state.done
}

func (c *Conn) Err() error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.err
}

func (c *Conn) Alive() bool {
	select {
	case <-c.state.done:
		return false
	default:
		return true
	}
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	payload := append([]byte(nil), data...)
	return c.deliver(ctx, transport.Data{Payload: payload})
}

func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.deliver(ctx, transport.Data{Payload: []byte(text), Text: true})
}

func (c *Conn) deliver(ctx context.Context, ev transport.Event) error {
	c.state.sendMu.RLock()
	defer c.state.sendMu.RUnlock()

	select {
	case <-c.state.closing:
		return transport.ErrClosed
	default:
	}

	select {
	case c.remote.events <- ev:
		return nil
	case <-c.state.closing:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.state.end(nil)
	return nil
}

// Fail ends both sides with a *transport.TransportError wrapping err.
func (c *Conn) Fail(err error) {
	c.state.end(&transport.TransportError{PeerID: c.peerID, Op: "channel", Err: err})
}

var _ transport.Conn = (*Conn)(nil)
