package progress

import (
	"bytes"
	"testing"

	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/stretchr/testify/assert"
)

func TestBarsLifecycle(t *testing.T) {
	var out bytes.Buffer
	bars := NewBars(&out)

	p := transfer.Progress{PeerID: "0123456789abcdef", Direction: transfer.Incoming, FileName: "a.txt", Total: 10}

	p.Bytes = 5
	bars.Progress(p)
	assert.Equal(t, 1, bars.Active())

	p.Bytes = 10
	bars.Progress(p)
	assert.Equal(t, 0, bars.Active())

	assert.Contains(t, out.String(), "receive a.txt (01234567)")
}

func TestBarsAborted(t *testing.T) {
	var out bytes.Buffer
	bars := NewBars(&out)

	p := transfer.Progress{PeerID: "peer", Direction: transfer.Outgoing, FileName: "big.iso", Bytes: 4, Total: 10}
	bars.Progress(p)
	assert.Equal(t, 1, bars.Active())

	p.Aborted = true
	bars.Progress(p)
	assert.Equal(t, 0, bars.Active())
	assert.Contains(t, out.String(), "send big.iso (peer) aborted after 4 of 10 bytes")
}

func TestBarsZeroSize(t *testing.T) {
	var out bytes.Buffer
	bars := NewBars(&out)

	bars.Progress(transfer.Progress{PeerID: "p", FileName: "empty", Total: 0})

	assert.Equal(t, 0, bars.Active())
	assert.Equal(t, "send empty (p) done (0 B)\n", out.String())
}

func TestBarsSeparateTransfers(t *testing.T) {
	var out bytes.Buffer
	bars := NewBars(&out)

	bars.Progress(transfer.Progress{PeerID: "a", FileName: "f", Bytes: 1, Total: 10})
	bars.Progress(transfer.Progress{PeerID: "b", FileName: "f", Bytes: 1, Total: 10})
	bars.Progress(transfer.Progress{PeerID: "a", Direction: transfer.Incoming, FileName: "f", Bytes: 1, Total: 10})

	assert.Equal(t, 3, bars.Active())
}
