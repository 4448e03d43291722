// Package protocol defines the signaling messages exchanged between peers
// and the rendezvous tracker.
package protocol

import "encoding/json"

// Message is implemented by every signaling message kind. The set is closed:
// handlers switch over the concrete types below.
type Message interface {
	Type() MessageType
}

type IdentityAssigned struct {
	PeerID   string `json:"peerId"`
	JoinCode string `json:"joinCode"`
}

func (IdentityAssigned) Type() MessageType { return MsgIdentityAssigned }

// JoinAuto asks the tracker to add the sender to the discovery group Key.
type JoinAuto struct {
	Key string
}

func (JoinAuto) Type() MessageType { return MsgJoinAuto }

type JoinManual struct {
	Code string
}

func (JoinManual) Type() MessageType { return MsgJoinManual }

type NotFound struct {
	Message string
}

func (NotFound) Type() MessageType { return MsgNotFound }

type PeerJoined struct {
	PeerID string
}

func (PeerJoined) Type() MessageType { return MsgPeerJoined }

type PeerLeft struct {
	PeerID string
}

func (PeerLeft) Type() MessageType { return MsgPeerLeft }

type PeersExisting struct {
	Peers []string
}

func (PeersExisting) Type() MessageType { return MsgPeersExisting }

// Signal carries an opaque handshake payload. Peers fill Target when
// sending; the tracker fills Sender when forwarding.
type Signal struct {
	Target  string          `json:"target,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"signal"`
}

func (Signal) Type() MessageType { return MsgSignal }
