package tracker

import "github.com/sirupsen/logrus"

const DefaultSendBuffer = 64

type Config struct {
	Addr   string
	Logger *logrus.Logger
	// AutoDiscovery puts every new connection into the group of peers
	// sharing its network address.
	AutoDiscovery bool
	// TrustProxy takes the network address from X-Forwarded-For.
	TrustProxy bool
	// SendBuffer bounds the per-connection outgoing queue.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}
