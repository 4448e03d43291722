// Package transport defines the reliable, ordered peer-to-peer channel a
// file transfer runs over.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var ErrClosed = errors.New("transport: connection closed")

// Event is one of Connected, Data, Closed or Failed.
type Event interface {
	isEvent()
}

// Connected is emitted once when the channel opens.
type Connected struct{}

type Data struct {
	Payload []byte
	// Text is set for messages sent with SendText.
	Text bool
}

type Closed struct{}

type Failed struct {
	Err error
}

func (Connected) isEvent() {}
func (Data) isEvent()      {}
func (Closed) isEvent()    {}
func (Failed) isEvent()    {}

// Conn is one session with a remote peer.
//
// Events carries Connected and Data in arrival order. Done is closed when
// the session ends, after which Err reports nil for an orderly close or a
// *TransportError.
type Conn interface {
	PeerID() string
	Initiator() bool
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Alive() bool
	// Send blocks while the channel is over its buffering limit. It
	// returns ErrClosed once the session has ended.
	Send(ctx context.Context, data []byte) error
	SendText(ctx context.Context, text string) error
	Close() error
}

type Transport interface {
	// Connect starts a session toward peerID as the initiator. A live
	// session for the same peer is returned unchanged.
	Connect(ctx context.Context, peerID string) (Conn, error)
	// Expect prepares a session that peerID will initiate.
	Expect(peerID string) (Conn, error)
	HandleSignal(ctx context.Context, sig Signal) error
	Close() error
}

// Signaler carries handshake payloads to a remote peer.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, payload []byte) error
}

type Signal struct {
	PeerID  string
	Payload []byte
}

type TransportError struct {
	PeerID string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Pump hands every event of conn to fn in order. It returns after exactly
// one Closed or Failed. Cancelling ctx closes conn.
//
// Conn implementations close Done only after their last event is buffered,
// so the drain that follows Done sees everything a successful send put on
// the channel. Events raced against closing are dropped by the Conn and
// never reported as sent.
func Pump(ctx context.Context, conn Conn, fn func(Event)) error {
	events := conn.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			fn(ev)
		case <-conn.Done():
			drain(events, fn)
			if err := conn.Err(); err != nil {
				fn(Failed{Err: err})
				return err
			}
			fn(Closed{})
			return nil
		case <-ctx.Done():
			_ = conn.Close()
			fn(Closed{})
			return ctx.Err()
		}
	}
}

func drain(events <-chan Event, fn func(Event)) {
	if events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fn(ev)
		default:
			return
		}
	}
}
