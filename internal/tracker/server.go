package tracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	networkPrefix  = "net:"
)

type Server struct {
	config     Config
	logger     *logrus.Logger
	service    *Service
	codec      *protocol.Codec
	upgrader   websocket.Upgrader
	listener   net.Listener
	httpServer *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		service: NewService(cfg.Logger),
		codec:   protocol.NewCodec(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		listener: ln,
	}
	s.httpServer = &http.Server{Handler: s.Handler()}

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Service() *Service {
	return s.service
}

// Handler serves /ws for peers and /health for load balancers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Tracker server started")

	go func() {
		<-ctx.Done()
		_ = s.httpServer.Close()
	}()

	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down tracker server")
	err := s.httpServer.Close()
	if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	s.handleConnection(conn, s.networkKey(r))
}

// networkKey names the group of peers that appear to share a network.
func (s *Server) networkKey(r *http.Request) string {
	if s.config.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return networkPrefix + first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return networkPrefix + host
}

func (s *Server) handleConnection(conn *websocket.Conn, networkKey string) {
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxMessageSize)

	out := newWSOutbox(s.config.SendBuffer, s.logger)
	id, _, err := s.service.Connect(out)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to allocate identity")
		return
	}
	log := s.logger.WithFields(logrus.Fields{"peer": id, "remote": conn.RemoteAddr().String()})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, out, log)
	}()
	defer func() {
		log.WithField("groups", s.service.Groups(id)).Info("Peer disconnected")
		s.service.Disconnect(id)
		out.close()
		<-writerDone
	}()

	if s.config.AutoDiscovery {
		if _, err := s.service.AutoJoin(id, networkKey); err != nil {
			log.WithError(err).Warn("Auto discovery failed")
		}
	}

	s.readLoop(conn, id, networkKey, log)
}

func (s *Server) readLoop(conn *websocket.Conn, id presence.PeerID, networkKey string, log logrus.FieldLogger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Read failed")
			}
			return
		}

		msg, err := s.codec.Decode(data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed message")
			continue
		}

		s.handleMessage(id, networkKey, msg, log)
	}
}

func (s *Server) handleMessage(id presence.PeerID, networkKey string, msg protocol.Message, log logrus.FieldLogger) {
	switch m := msg.(type) {
	case *protocol.JoinManual:
		err := s.service.ManualJoin(id, presence.JoinCode(m.Code))
		if err != nil && !errors.Is(err, ErrCodeNotFound) {
			log.WithError(err).Warn("Manual join failed")
		}
	case *protocol.JoinAuto:
		key := m.Key
		if key == "" {
			key = networkKey
		}
		if _, err := s.service.AutoJoin(id, key); err != nil {
			log.WithError(err).Warn("Auto join failed")
		}
	case *protocol.Signal:
		if m.Target == "" {
			log.Warn("Dropping signal without target")
			return
		}
		s.service.RelaySignal(id, presence.PeerID(m.Target), m.Payload)
	case *protocol.IdentityAssigned, *protocol.PeersExisting, *protocol.PeerJoined,
		*protocol.PeerLeft, *protocol.NotFound:
		log.WithField("type", msg.Type().String()).Debug("Ignoring service message from peer")
	default:
		log.WithField("type", msg.Type().String()).Warn("Unhandled message type")
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, out *wsOutbox, log logrus.FieldLogger) {
	for {
		select {
		case <-out.done:
			return
		case msg := <-out.queue:
			data, err := s.codec.Encode(msg)
			if err != nil {
				log.WithError(err).Warn("Failed to encode message")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithError(err).Debug("Write failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// wsOutbox buffers messages for the connection's writer goroutine.
type wsOutbox struct {
	queue  chan protocol.Message
	done   chan struct{}
	once   sync.Once
	logger logrus.FieldLogger
}

func newWSOutbox(size int, logger logrus.FieldLogger) *wsOutbox {
	return &wsOutbox{
		queue:  make(chan protocol.Message, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (o *wsOutbox) Deliver(msg protocol.Message) {
	select {
	case <-o.done:
		return
	default:
	}

	select {
	case o.queue <- msg:
	default:
		o.logger.WithField("type", msg.Type().String()).Warn("Outbox full, dropping message")
	}
}

func (o *wsOutbox) close() {
	o.once.Do(func() { close(o.done) })
}
