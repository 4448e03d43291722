package webrtc

import (
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultGatherTimeout = 10 * time.Second
	DefaultHighWaterMark = 1 << 20

	channelLabel    = "data"
	channelProtocol = "file-transfer"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

type Config struct {
	// ICEServers overrides the default STUN servers.
	ICEServers []string
	// GatherTimeout bounds how long a side waits for ICE gathering before
	// it signals whatever candidates it has.
	GatherTimeout time.Duration
	// Send blocks while more than HighWaterMark bytes are queued, and
	// resumes once the queue drains below LowWaterMark.
	HighWaterMark uint64
	LowWaterMark  uint64
	Logger        *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = DefaultGatherTimeout
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.LowWaterMark == 0 || c.LowWaterMark > c.HighWaterMark {
		c.LowWaterMark = c.HighWaterMark / 4
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

func (c Config) rtcConfiguration() webrtc.Configuration {
	if len(c.ICEServers) == 0 {
		return DefaultSTUNConfig()
	}
	return webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: c.ICEServers}},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func DefaultSTUNConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: defaultSTUNServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// DefaultDataChannelConfig is an ordered channel with unlimited
// retransmissions.
func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := channelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
