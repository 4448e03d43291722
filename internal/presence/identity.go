// Package presence issues the ephemeral identities peers carry while they
// are connected to the tracker.
package presence

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

const JoinCodeLength = 6

// PeerID identifies one tracker connection. It is never reused.
type PeerID string

// JoinCode is a short human-typed code. Collisions between concurrently
// active codes are not checked.
type JoinCode string

type Allocator struct {
	mu     sync.Mutex
	issued map[PeerID]struct{}
	newID  func() string
	code   func() (JoinCode, error)
}

func NewAllocator() *Allocator {
	return &Allocator{
		issued: make(map[PeerID]struct{}),
		newID:  uuid.NewString,
		code:   RandomJoinCode,
	}
}

// Next allocates a fresh PeerID and JoinCode.
func (a *Allocator) Next() (PeerID, JoinCode, error) {
	code, err := a.code()
	if err != nil {
		return "", "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id := PeerID(a.newID())
	for {
		if _, taken := a.issued[id]; !taken {
			break
		}
		id = PeerID(a.newID())
	}
	a.issued[id] = struct{}{}

	return id, code, nil
}

func RandomJoinCode() (JoinCode, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating join code: %w", err)
	}
	return JoinCode(fmt.Sprintf("%0*d", JoinCodeLength, n.Int64())), nil
}

func ValidJoinCode(s string) bool {
	if len(s) != JoinCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
