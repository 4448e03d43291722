package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/tracker"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
)

const eventBuffer = 64

var (
	ErrUnknownPeer = errors.New("peer not connected")
	ErrNoTracker   = errors.New("tracker url or client required")
)

// Tracker is the signaling side a Node talks to. *tracker.WSClient
// implements it.
type Tracker interface {
	transport.Signaler
	Connect(ctx context.Context) error
	ID() string
	JoinCode() string
	Events() <-chan protocol.Message
	JoinManual(ctx context.Context, code string) error
	JoinAuto(ctx context.Context, key string) error
	Close() error
}

type Options struct {
	TrackerURL string
	ICEServers []string
	ChunkSize  int
	Deliverer  transfer.Deliverer
	Observer   transfer.Observer
	Logger     *logrus.Logger

	// Tracker and Transport override the defaults built from TrackerURL
	// and ICEServers.
	Tracker   Tracker
	Transport transport.Transport
}

// Event is what a Node reports to its owner.
type Event interface {
	isEvent()
}

type PeerConnected struct {
	PeerID string
}

type PeerDisconnected struct {
	PeerID string
	Err    error
}

type JoinRejected struct {
	Message string
}

func (PeerConnected) isEvent()    {}
func (PeerDisconnected) isEvent() {}
func (JoinRejected) isEvent()     {}

type peer struct {
	session   *transfer.Session
	connected bool
}

type Node struct {
	opts      Options
	logger    *logrus.Logger
	tracker   Tracker
	transport transport.Transport

	mu    sync.Mutex
	peers map[string]*peer

	events  chan Event
	started atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	if opts.Tracker == nil {
		if opts.TrackerURL == "" {
			return nil, ErrNoTracker
		}
		opts.Tracker = tracker.NewWSClient(opts.TrackerURL, opts.Logger)
	}
	if opts.Transport == nil {
		opts.Transport = webrtc.New(opts.Tracker, webrtc.Config{
			ICEServers: opts.ICEServers,
			Logger:     opts.Logger,
		})
	}

	return &Node{
		opts:      opts,
		logger:    opts.Logger,
		tracker:   opts.Tracker,
		transport: opts.Transport,
		peers:     make(map[string]*peer),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}, nil
}

// Start connects to the tracker and runs the event loop in the background
// until ctx ends or the tracker goes away.
func (n *Node) Start(ctx context.Context) error {
	if err := n.tracker.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to tracker: %w", err)
	}
	n.logger.WithFields(logrus.Fields{
		"id":   n.tracker.ID(),
		"code": n.tracker.JoinCode(),
	}).Info("Node started")

	n.started.Store(true)
	go n.loop(ctx)
	return nil
}

// Done is closed when the event loop stops.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) Events() <-chan Event {
	return n.events
}

func (n *Node) ID() string {
	return n.tracker.ID()
}

func (n *Node) JoinCode() string {
	return n.tracker.JoinCode()
}

// Join asks the tracker to pair this node with the owner of code. A miss
// comes back as a JoinRejected event.
func (n *Node) Join(ctx context.Context, code string) error {
	return n.tracker.JoinManual(ctx, code)
}

// JoinGroup adds this node to the discovery group key, next to the
// network group the tracker assigns on its own. An empty key rejoins the
// network group.
func (n *Node) JoinGroup(ctx context.Context, key string) error {
	return n.tracker.JoinAuto(ctx, key)
}

// Peers lists the peers with an open channel, sorted.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ids []string
	for id, p := range n.peers {
		if p.connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (n *Node) SendFile(ctx context.Context, peerID, path string) (transfer.Report, error) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok || !p.connected {
		return transfer.Report{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	f, err := os.Open(path)
	if err != nil {
		return transfer.Report{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return transfer.Report{}, err
	}
	if info.IsDir() {
		return transfer.Report{}, fmt.Errorf("%s is a directory", path)
	}

	return p.session.SendFile(ctx, filepath.Base(path), info.Size(), f)
}

func (n *Node) Close() error {
	err := n.transport.Close()
	if terr := n.tracker.Close(); err == nil {
		err = terr
	}
	// The loop starts session goroutines, so it has to stop before the
	// wait group is waited on.
	if n.started.Load() {
		<-n.done
	}
	n.wg.Wait()
	return err
}

func (n *Node) loop(ctx context.Context) {
	defer close(n.done)

	events := n.tracker.Events()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Stopping the tracker message listener")
			return
		case msg, ok := <-events:
			if !ok {
				n.logger.Warn("Tracker connection closed")
				return
			}
			n.handleTracker(ctx, msg)
		}
	}
}

func (n *Node) handleTracker(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.PeersExisting:
		for _, id := range m.Peers {
			n.wg.Add(1)
			go func(id string) {
				defer n.wg.Done()
				n.dial(ctx, id)
			}(id)
		}
	case *protocol.PeerJoined:
		n.expect(ctx, m.PeerID)
	case *protocol.Signal:
		if m.Sender == "" {
			n.logger.Warn("Dropping signal without sender")
			return
		}
		n.expect(ctx, m.Sender)
		err := n.transport.HandleSignal(ctx, transport.Signal{PeerID: m.Sender, Payload: m.Payload})
		if err != nil {
			n.logger.WithError(err).WithField("peer", m.Sender).Warn("Failed to handle signal")
		}
	case *protocol.PeerLeft:
		n.mu.Lock()
		p, ok := n.peers[m.PeerID]
		n.mu.Unlock()
		if ok {
			n.logger.WithField("peer", m.PeerID).Info("Peer left")
			_ = p.session.Conn().Close()
		}
	case *protocol.NotFound:
		n.logger.WithField("reason", m.Message).Warn("Join rejected")
		n.emit(JoinRejected{Message: m.Message})
	default:
		n.logger.Debugf("Ignoring tracker message %s", msg.Type())
	}
}

func (n *Node) dial(ctx context.Context, peerID string) {
	conn, err := n.transport.Connect(ctx, peerID)
	if err != nil {
		n.logger.WithError(err).WithField("peer", peerID).Warn("Failed to connect to peer")
		return
	}
	n.adopt(ctx, conn)
}

func (n *Node) expect(ctx context.Context, peerID string) {
	conn, err := n.transport.Expect(peerID)
	if err != nil {
		n.logger.WithError(err).WithField("peer", peerID).Warn("Failed to expect peer")
		return
	}
	n.adopt(ctx, conn)
}

// adopt starts a session for conn unless one already runs for it.
func (n *Node) adopt(ctx context.Context, conn transport.Conn) {
	peerID := conn.PeerID()

	n.mu.Lock()
	if existing, ok := n.peers[peerID]; ok && existing.session.Conn() == conn {
		n.mu.Unlock()
		return
	}
	p := &peer{}
	p.session = transfer.NewSession(conn, transfer.SessionOptions{
		ChunkSize: n.opts.ChunkSize,
		Deliverer: n.opts.Deliverer,
		Observer:  n.opts.Observer,
		Logger:    n.logger,
		OnConnected: func(id string) {
			n.mu.Lock()
			p.connected = true
			n.mu.Unlock()
			n.emit(PeerConnected{PeerID: id})
		},
		OnClosed: func(id string, err error) {
			n.remove(id, p)
			n.emit(PeerDisconnected{PeerID: id, Err: err})
		},
	})
	n.peers[peerID] = p
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = p.session.Run(ctx)
	}()
}

func (n *Node) remove(peerID string, p *peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p.connected = false
	if n.peers[peerID] == p {
		delete(n.peers, peerID)
	}
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warnf("Dropping node event %T, nobody is listening", ev)
	}
}
