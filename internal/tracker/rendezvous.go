package tracker

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrCodeNotFound     = errors.New("join code not found")
	ErrEmptyKey         = errors.New("empty discovery key")
	ErrPeerNotConnected = errors.New("peer not connected")
)

const codeGroupPrefix = "code:"

// Outbox queues messages for one connected peer. Deliver must not block.
type Outbox interface {
	Deliver(msg protocol.Message)
}

type member struct {
	out  Outbox
	code presence.JoinCode
}

// link is an unordered peer pair that has already been introduced.
type link struct {
	a, b presence.PeerID
}

func newLink(x, y presence.PeerID) link {
	if x > y {
		x, y = y, x
	}
	return link{a: x, b: y}
}

// JoinResult describes the outcome of AutoJoin.
type JoinResult struct {
	Added bool
	// Introduced lists the members the joiner was told to call.
	Introduced []presence.PeerID
}

// Service groups peers by discovery key or join code and relays their
// handshake payloads. Every mutation runs under one lock, so the member
// snapshot a joiner receives always matches the peer-joined notifications
// the rest of the group receives.
type Service struct {
	mu      sync.Mutex
	ids     *presence.Allocator
	store   *Store
	members map[presence.PeerID]*member
	codes   map[presence.JoinCode]presence.PeerID
	links   map[link]presence.PeerID
	logger  logrus.FieldLogger
}

func NewService(logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Service{
		ids:     presence.NewAllocator(),
		store:   NewStore(),
		members: make(map[presence.PeerID]*member),
		codes:   make(map[presence.JoinCode]presence.PeerID),
		links:   make(map[link]presence.PeerID),
		logger:  logger,
	}
}

// Connect registers a new connection and sends it its identity.
func (s *Service) Connect(out Outbox) (presence.PeerID, presence.JoinCode, error) {
	id, code, err := s.ids.Next()
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, taken := s.codes[code]; taken {
		s.logger.WithFields(logrus.Fields{"code": code, "previous": prev, "peer": id}).
			Warn("Join code collision, newest peer takes the code")
	}

	s.members[id] = &member{out: out, code: code}
	s.codes[code] = id

	out.Deliver(&protocol.IdentityAssigned{PeerID: string(id), JoinCode: string(code)})
	s.logger.WithFields(logrus.Fields{"peer": id, "code": code}).Info("Peer connected")

	return id, code, nil
}

// AutoJoin adds peer to the discovery group key. The joiner is always the
// initiator toward the members it is introduced to.
func (s *Service) AutoJoin(peer presence.PeerID, key string) (JoinResult, error) {
	if key == "" {
		return JoinResult{}, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[peer]; !ok {
		return JoinResult{}, ErrPeerNotConnected
	}

	existing, added := s.store.Add(key, peer)
	if !added {
		return JoinResult{}, nil
	}

	introduced := s.introduce(peer, existing)
	s.logger.WithFields(logrus.Fields{"peer": peer, "group": key, "introduced": len(introduced)}).
		Info("Peer joined group")

	return JoinResult{Added: true, Introduced: introduced}, nil
}

// ManualJoin bridges peer to the owner of code. On a miss only the joiner
// is told, and no group is touched.
func (s *Service) ManualJoin(peer presence.PeerID, code presence.JoinCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	joiner, ok := s.members[peer]
	if !ok {
		return ErrPeerNotConnected
	}

	owner, ok := s.codes[code]
	if !ok || owner == peer || s.members[owner] == nil {
		joiner.out.Deliver(&protocol.NotFound{Message: "no peer found with code " + string(code)})
		s.logger.WithFields(logrus.Fields{"peer": peer, "code": code}).Info("Manual join missed")
		return ErrCodeNotFound
	}

	key := codeGroupPrefix + string(code)
	s.store.Add(key, owner)
	s.store.Add(key, peer)
	s.introduce(peer, []presence.PeerID{owner})

	s.logger.WithFields(logrus.Fields{"peer": peer, "owner": owner}).Info("Peer joined by code")
	return nil
}

// RelaySignal forwards payload to target. Delivery is best effort: an
// unknown target is ignored.
func (s *Service) RelaySignal(sender, target presence.PeerID, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[target]
	if !ok {
		s.logger.WithFields(logrus.Fields{"sender": sender, "target": target}).Debug("Dropping signal for unknown peer")
		return
	}

	m.out.Deliver(&protocol.Signal{Sender: string(sender), Payload: payload})
}

// Disconnect removes peer from every group and tells everyone who could
// see it.
func (s *Service) Disconnect(peer presence.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[peer]
	if !ok {
		return
	}
	delete(s.members, peer)
	if s.codes[m.code] == peer {
		delete(s.codes, m.code)
	}

	recipients := make(map[presence.PeerID]struct{})
	for _, remaining := range s.store.Remove(peer) {
		for _, p := range remaining {
			recipients[p] = struct{}{}
		}
	}
	for l := range s.links {
		if l.a == peer || l.b == peer {
			other := l.a
			if other == peer {
				other = l.b
			}
			recipients[other] = struct{}{}
			delete(s.links, l)
		}
	}

	ordered := make([]presence.PeerID, 0, len(recipients))
	for p := range recipients {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, p := range ordered {
		if r, ok := s.members[p]; ok {
			r.out.Deliver(&protocol.PeerLeft{PeerID: string(peer)})
		}
	}

	s.logger.WithFields(logrus.Fields{"peer": peer, "notified": len(ordered)}).Info("Peer disconnected")
}

// Initiator reports which side of the pair was told to originate the
// handshake.
func (s *Service) Initiator(a, b presence.PeerID) (presence.PeerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.links[newLink(a, b)]
	return p, ok
}

func (s *Service) Members(key string) []presence.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Members(key)
}

func (s *Service) Groups(peer presence.PeerID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Groups(peer)
}

// introduce links joiner with every target it is not linked to yet and
// sends both sides their notification. Callers hold s.mu.
func (s *Service) introduce(joiner presence.PeerID, targets []presence.PeerID) []presence.PeerID {
	fresh := make([]presence.PeerID, 0, len(targets))
	for _, t := range targets {
		if t == joiner {
			continue
		}
		l := newLink(joiner, t)
		if _, linked := s.links[l]; linked {
			continue
		}
		if _, ok := s.members[t]; !ok {
			continue
		}
		s.links[l] = joiner
		fresh = append(fresh, t)
	}

	if len(fresh) == 0 {
		return fresh
	}

	ids := make([]string, len(fresh))
	for i, p := range fresh {
		ids[i] = string(p)
	}
	s.members[joiner].out.Deliver(&protocol.PeersExisting{Peers: ids})

	for _, p := range fresh {
		s.members[p].out.Deliver(&protocol.PeerJoined{PeerID: string(joiner)})
	}

	return fresh
}
