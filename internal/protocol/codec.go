package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownMessage = errors.New("unknown message type")

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec converts messages to and from the JSON envelope
// {"type": "<wire name>", "payload": ...} carried in one WebSocket frame.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(msg Message) ([]byte, error) {
	var payload any

	switch m := msg.(type) {
	case *IdentityAssigned:
		payload = m
	case *PeersExisting:
		peers := m.Peers
		if peers == nil {
			peers = []string{}
		}
		payload = peers
	case *PeerJoined:
		payload = m.PeerID
	case *PeerLeft:
		payload = m.PeerID
	case *JoinManual:
		payload = m.Code
	case *JoinAuto:
		payload = m.Key
	case *NotFound:
		payload = m.Message
	case *Signal:
		payload = m
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msg.Type(), err)
	}

	return json.Marshal(envelope{Type: msg.Type().String(), Payload: raw})
}

func (c *Codec) Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	t, ok := ParseMessageType(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	var msg Message
	var err error

	switch t {
	case MsgIdentityAssigned:
		m := &IdentityAssigned{}
		err = unmarshalPayload(env.Payload, m)
		msg = m
	case MsgPeersExisting:
		m := &PeersExisting{}
		err = unmarshalPayload(env.Payload, &m.Peers)
		msg = m
	case MsgPeerJoined:
		m := &PeerJoined{}
		err = unmarshalPayload(env.Payload, &m.PeerID)
		msg = m
	case MsgPeerLeft:
		m := &PeerLeft{}
		err = unmarshalPayload(env.Payload, &m.PeerID)
		msg = m
	case MsgJoinManual:
		m := &JoinManual{}
		err = unmarshalPayload(env.Payload, &m.Code)
		msg = m
	case MsgJoinAuto:
		m := &JoinAuto{}
		if len(env.Payload) > 0 {
			err = unmarshalPayload(env.Payload, &m.Key)
		}
		msg = m
	case MsgNotFound:
		m := &NotFound{}
		err = unmarshalPayload(env.Payload, &m.Message)
		msg = m
	case MsgSignal:
		m := &Signal{}
		err = unmarshalPayload(env.Payload, m)
		msg = m
	}

	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t, err)
	}
	return msg, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}
