package transfer

import (
	"sync"
	"time"
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "receive"
	}
	return "send"
}

type Progress struct {
	PeerID    string
	Direction Direction
	FileName  string
	Bytes     int64
	Total     int64
	// Aborted marks the last notification of a transfer that stopped
	// early. Err carries the transport failure behind it, if any.
	Aborted bool
	Err     error
}

func (p Progress) Done() bool {
	return p.Bytes >= p.Total
}

// Final reports whether no more notifications follow for this transfer.
func (p Progress) Final() bool {
	return p.Aborted || p.Done()
}

type Observer interface {
	Progress(p Progress)
}

type ObserverFunc func(p Progress)

func (f ObserverFunc) Progress(p Progress) {
	f(p)
}

type nopObserver struct{}

func (nopObserver) Progress(Progress) {}

// NopObserver discards every notification.
var NopObserver Observer = nopObserver{}

type transferKey struct {
	peerID    string
	direction Direction
	fileName  string
}

type mark struct {
	at    time.Time
	bytes int64
}

type throttle struct {
	mu       sync.Mutex
	next     Observer
	interval time.Duration
	now      func() time.Time
	last     map[transferKey]mark
}

// Throttle forwards the first and the final (done or aborted) notification
// of every transfer and at most one per interval in between. Calls to next are
// serialized.
func Throttle(next Observer, interval time.Duration) Observer {
	return newThrottle(next, interval, time.Now)
}

func newThrottle(next Observer, interval time.Duration, now func() time.Time) *throttle {
	return &throttle{
		next:     next,
		interval: interval,
		now:      now,
		last:     make(map[transferKey]mark),
	}
}

func (t *throttle) Progress(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := transferKey{peerID: p.PeerID, direction: p.Direction, fileName: p.FileName}
	now := t.now()

	if p.Final() {
		delete(t.last, key)
		t.next.Progress(p)
		return
	}

	prev, seen := t.last[key]
	// Fewer bytes than last time means a new transfer of the same file.
	if seen && p.Bytes >= prev.bytes && now.Sub(prev.at) < t.interval {
		return
	}

	t.last[key] = mark{at: now, bytes: p.Bytes}
	t.next.Progress(p)
}

// tracked reports how many unfinished transfers are remembered.
func (t *throttle) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
