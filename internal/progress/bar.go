// Package progress renders transfer progress as terminal bars.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/schollz/progressbar/v3"
)

type barKey struct {
	peerID    string
	direction transfer.Direction
	fileName  string
}

type trackedBar struct {
	bar   *progressbar.ProgressBar
	bytes int64
}

// Bars keeps one bar per active transfer and implements transfer.Observer.
type Bars struct {
	mu   sync.Mutex
	out  io.Writer
	bars map[barKey]*trackedBar
}

// NewBars writes to out, or to an ANSI-aware stdout when out is nil.
func NewBars(out io.Writer) *Bars {
	if out == nil {
		out = ansi.NewAnsiStdout()
	}
	return &Bars{
		out:  out,
		bars: make(map[barKey]*trackedBar),
	}
}

func (b *Bars) Progress(p transfer.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := barKey{peerID: p.PeerID, direction: p.Direction, fileName: p.FileName}

	if p.Aborted {
		if tracked, ok := b.bars[key]; ok {
			_ = tracked.bar.Exit()
			delete(b.bars, key)
		}
		fmt.Fprintf(b.out, "\n%s aborted after %d of %d bytes\n", describe(p), p.Bytes, p.Total)
		return
	}

	if p.Total == 0 {
		delete(b.bars, key)
		fmt.Fprintf(b.out, "%s done (0 B)\n", describe(p))
		return
	}

	tracked, ok := b.bars[key]
	if !ok || p.Bytes < tracked.bytes {
		tracked = &trackedBar{bar: b.newBar(p)}
		b.bars[key] = tracked
	}

	tracked.bytes = p.Bytes
	_ = tracked.bar.Set64(p.Bytes)
	if p.Done() {
		_ = tracked.bar.Finish()
		delete(b.bars, key)
	}
}

// Active reports the number of unfinished bars.
func (b *Bars) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars)
}

func (b *Bars) newBar(p transfer.Progress) *progressbar.ProgressBar {
	out := b.out
	return progressbar.NewOptions64(
		p.Total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetDescription(describe(p)),
		progressbar.OptionShowTotalBytes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func describe(p transfer.Progress) string {
	peer := p.PeerID
	if len(peer) > 8 {
		peer = peer[:8]
	}
	return fmt.Sprintf("%s %s (%s)", p.Direction, p.FileName, peer)
}
