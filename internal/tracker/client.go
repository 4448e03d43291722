package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("tracker client not connected")

const clientEventBuffer = 64

// WSClient is the peer side of the tracker connection. It also carries
// handshake payloads for the transport.
type WSClient struct {
	url    string
	dialer *websocket.Dialer
	codec  *protocol.Codec
	logger logrus.FieldLogger

	mu       sync.Mutex
	conn     *websocket.Conn
	id       string
	joinCode string

	writeMu   sync.Mutex
	events    chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSClient(url string, logger logrus.FieldLogger) *WSClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &WSClient{
		url:    url,
		dialer: websocket.DefaultDialer,
		codec:  protocol.NewCodec(),
		logger: logger.WithField("tracker", url),
		events: make(chan protocol.Message, clientEventBuffer),
		done:   make(chan struct{}),
	}
}

// Connect dials the tracker and blocks until it has assigned an identity.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing tracker: %w", err)
	}

	// Cancelling ctx interrupts the identity read through the read
	// deadline. The watchdog has exited before the deadline is cleared, so
	// a late cancel cannot reach a connection that is already handed out.
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	identity, err := c.awaitIdentity(conn)
	close(stop)
	<-stopped
	if err == nil {
		err = conn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.id = identity.PeerID
	c.joinCode = identity.JoinCode
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"peer": identity.PeerID, "code": identity.JoinCode}).Info("Connected to tracker")

	go c.readLoop(conn)
	return nil
}

func (c *WSClient) awaitIdentity(conn *websocket.Conn) (*protocol.IdentityAssigned, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("waiting for identity: %w", err)
	}

	msg, err := c.codec.Decode(data)
	if err != nil {
		return nil, err
	}

	identity, ok := msg.(*protocol.IdentityAssigned)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %s", protocol.MsgIdentityAssigned, msg.Type())
	}
	return identity, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer close(c.events)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.WithError(err).Warn("Lost tracker connection")
			}
			return
		}

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed tracker message")
			continue
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *WSClient) JoinCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinCode
}

// Events carries every tracker message after identity-assigned. It is
// closed when the connection ends.
func (c *WSClient) Events() <-chan protocol.Message {
	return c.events
}

func (c *WSClient) JoinManual(ctx context.Context, code string) error {
	return c.send(ctx, &protocol.JoinManual{Code: code})
}

// JoinAuto joins the discovery group key. An empty key rejoins the
// network group.
func (c *WSClient) JoinAuto(ctx context.Context, key string) error {
	return c.send(ctx, &protocol.JoinAuto{Key: key})
}

func (c *WSClient) SendSignal(ctx context.Context, peerID string, payload []byte) error {
	return c.send(ctx, &protocol.Signal{Target: peerID, Payload: payload})
}

func (c *WSClient) send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = conn.Close()
	})
	return err
}
