package transfer

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var ErrTransferInProgress = errors.New("transfer already in progress")

type SessionOptions struct {
	ChunkSize int
	Deliverer Deliverer
	Observer  Observer
	Logger    logrus.FieldLogger
	// OnConnected runs when the channel opens.
	OnConnected func(peerID string)
	// OnClosed runs once when the session ends, with nil for an orderly
	// close.
	OnClosed func(peerID string, err error)
}

// Session drives one peer pair: incoming data goes to its Receiver and
// SendFile streams through its Sender.
type Session struct {
	conn     transport.Conn
	receiver *Receiver
	sender   *Sender
	sending  atomic.Bool
	opts     SessionOptions
	logger   logrus.FieldLogger
}

func NewSession(conn transport.Conn, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver
	}

	return &Session{
		conn:     conn,
		receiver: NewReceiver(conn.PeerID(), opts.Deliverer, opts.Observer, opts.Logger),
		sender: &Sender{
			PeerID:    conn.PeerID(),
			ChunkSize: opts.ChunkSize,
			Observer:  opts.Observer,
		},
		opts:   opts,
		logger: opts.Logger.WithField("peer", conn.PeerID()),
	}
}

func (s *Session) PeerID() string {
	return s.conn.PeerID()
}

func (s *Session) Conn() transport.Conn {
	return s.conn
}

// Run pumps the connection until it ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	var final error
	err := transport.Pump(ctx, s.conn, func(ev transport.Event) {
		switch e := ev.(type) {
		case transport.Connected:
			s.logger.Info("Peer channel open")
			if s.opts.OnConnected != nil {
				s.opts.OnConnected(s.conn.PeerID())
			}
		case transport.Data:
			s.handleData(e.Payload)
		case transport.Closed:
			_ = s.receiver.Handle(ChannelClosed{})
		case transport.Failed:
			final = e.Err
			_ = s.receiver.Handle(ChannelClosed{Err: e.Err})
		}
	})

	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s.conn.PeerID(), final)
	}
	return err
}

func (s *Session) handleData(payload []byte) {
	var ev Event = ChunkReceived{Data: payload}
	if meta, ok := DecodeMetadata(payload); ok {
		s.logger.WithFields(logrus.Fields{"file": meta.Name, "size": meta.Size}).Info("Incoming file")
		ev = MetadataReceived{Metadata: meta}
	}
	_ = s.receiver.Handle(ev)
}

// SendFile streams one file to the peer. Only one outgoing transfer runs
// at a time.
func (s *Session) SendFile(ctx context.Context, name string, size int64, r io.Reader) (Report, error) {
	if !s.sending.CompareAndSwap(false, true) {
		return Report{FileName: name, Total: size}, ErrTransferInProgress
	}
	defer s.sending.Store(false)

	s.logger.WithFields(logrus.Fields{"file": name, "size": size}).Info("Sending file")
	report, err := s.sender.Send(ctx, s.conn, Metadata{Name: name, Size: size}, r)
	switch {
	case err != nil:
		s.logger.WithError(err).WithField("file", name).Warn("Send failed")
	case report.Aborted:
		s.logger.WithFields(logrus.Fields{"file": name, "sent": report.Bytes}).Warn("Send aborted, peer went away")
	default:
		s.logger.WithFields(logrus.Fields{"file": name, "chunks": report.Chunks}).Info("Sent file")
	}
	return report, err
}
