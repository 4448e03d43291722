package protocol

type MessageType uint16

const (
	MsgIdentityAssigned MessageType = 0x0001
	MsgJoinAuto         MessageType = 0x0010
	MsgJoinManual       MessageType = 0x0011
	MsgNotFound         MessageType = 0x00FF
	MsgPeerJoined       MessageType = 0x0021
	MsgPeerLeft         MessageType = 0x0022
	MsgPeersExisting    MessageType = 0x0020
	MsgSignal           MessageType = 0x0030
)

var wireNames = map[MessageType]string{
	MsgIdentityAssigned: "identity-assigned",
	MsgJoinAuto:         "join-auto",
	MsgJoinManual:       "join-manual",
	MsgNotFound:         "not-found",
	MsgPeerJoined:       "peer-joined",
	MsgPeerLeft:         "peer-left",
	MsgPeersExisting:    "peers-existing",
	MsgSignal:           "signal",
}

// String returns the wire name of the message type.
func (t MessageType) String() string {
	if name, ok := wireNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseMessageType maps a wire name back to its MessageType.
func ParseMessageType(name string) (MessageType, bool) {
	for t, n := range wireNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}
