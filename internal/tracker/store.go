package tracker

import (
	"sort"

	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
)

// Store tracks which peers belong to which discovery group. It is not
// synchronized; Service serializes every call.
type Store struct {
	groups      map[string]map[presence.PeerID]struct{}
	memberships map[presence.PeerID]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		groups:      make(map[string]map[presence.PeerID]struct{}),
		memberships: make(map[presence.PeerID]map[string]struct{}),
	}
}

// Add puts peer into the group key, creating the group on first use. It
// returns the members that were present before the call and whether the
// peer was newly added.
func (s *Store) Add(key string, peer presence.PeerID) ([]presence.PeerID, bool) {
	group, ok := s.groups[key]
	if !ok {
		group = make(map[presence.PeerID]struct{})
		s.groups[key] = group
	}

	if _, member := group[peer]; member {
		return nil, false
	}

	existing := sortedPeers(group)
	group[peer] = struct{}{}

	if s.memberships[peer] == nil {
		s.memberships[peer] = make(map[string]struct{})
	}
	s.memberships[peer][key] = struct{}{}

	return existing, true
}

// Remove drops peer from every group it belongs to and returns the remaining
// members of each of those groups. Groups left empty are forgotten.
func (s *Store) Remove(peer presence.PeerID) map[string][]presence.PeerID {
	remaining := make(map[string][]presence.PeerID)

	for key := range s.memberships[peer] {
		group := s.groups[key]
		delete(group, peer)
		if len(group) == 0 {
			delete(s.groups, key)
			continue
		}
		remaining[key] = sortedPeers(group)
	}
	delete(s.memberships, peer)

	return remaining
}

func (s *Store) Members(key string) []presence.PeerID {
	return sortedPeers(s.groups[key])
}

func (s *Store) Groups(peer presence.PeerID) []string {
	keys := make([]string, 0, len(s.memberships[peer]))
	for key := range s.memberships[peer] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of non-empty groups.
func (s *Store) Len() int {
	return len(s.groups)
}

func sortedPeers(group map[presence.PeerID]struct{}) []presence.PeerID {
	peers := make([]presence.PeerID, 0, len(group))
	for p := range group {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
