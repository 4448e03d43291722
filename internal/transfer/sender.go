package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const DefaultChunkSize = 64 * 1024

var (
	ErrInvalidSize = errors.New("invalid file size")
	ErrShortSource = errors.New("source ended before declared size")
)

// Channel is the sending half of a transport.Conn. Send must not retain
// data after it returns.
type Channel interface {
	Alive() bool
	Send(ctx context.Context, data []byte) error
	SendText(ctx context.Context, text string) error
}

type Report struct {
	FileName string
	Bytes    int64
	Total    int64
	Chunks   int
	// Aborted is set when the channel went away before the last chunk.
	Aborted bool
}

type Sender struct {
	PeerID    string
	ChunkSize int
	Observer  Observer
}

// Send streams r as meta.Size bytes over ch. A channel that closes midway
// stops the transfer quietly with Report.Aborted set. Any transfer that
// stops early ends with an aborted notification to the Observer.
func (s *Sender) Send(ctx context.Context, ch Channel, meta Metadata, r io.Reader) (Report, error) {
	if meta.Size < 0 {
		return Report{FileName: meta.Name, Total: meta.Size}, fmt.Errorf("%w: %d", ErrInvalidSize, meta.Size)
	}

	observer := s.Observer
	if observer == nil {
		observer = NopObserver
	}

	report, err := s.stream(ctx, ch, meta, r, observer)
	if report.Aborted || err != nil {
		observer.Progress(Progress{
			PeerID:    s.PeerID,
			Direction: Outgoing,
			FileName:  meta.Name,
			Bytes:     report.Bytes,
			Total:     report.Total,
			Aborted:   true,
			Err:       err,
		})
	}
	return report, err
}

func (s *Sender) stream(ctx context.Context, ch Channel, meta Metadata, r io.Reader, observer Observer) (Report, error) {
	report := Report{FileName: meta.Name, Total: meta.Size}

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if !ch.Alive() {
		report.Aborted = true
		return report, nil
	}

	frame, err := EncodeMetadata(meta)
	if err != nil {
		return report, err
	}
	if err := ch.SendText(ctx, string(frame)); err != nil {
		return abort(report, ch, err)
	}

	notify := func() {
		observer.Progress(Progress{
			PeerID:    s.PeerID,
			Direction: Outgoing,
			FileName:  meta.Name,
			Bytes:     report.Bytes,
			Total:     report.Total,
		})
	}

	if meta.Size == 0 {
		notify()
		return report, nil
	}

	buf := make([]byte, chunkSize)
	for report.Bytes < meta.Size {
		want := int64(chunkSize)
		if remaining := meta.Size - report.Bytes; remaining < want {
			want = remaining
		}

		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return report, fmt.Errorf("%w: read %d of %d bytes", ErrShortSource, report.Bytes+int64(n), meta.Size)
			}
			return report, fmt.Errorf("reading %s: %w", meta.Name, err)
		}

		if !ch.Alive() {
			report.Aborted = true
			return report, nil
		}
		if err := ch.Send(ctx, buf[:n]); err != nil {
			return abort(report, ch, err)
		}

		report.Bytes += int64(n)
		report.Chunks++
		notify()
	}

	return report, nil
}

func abort(report Report, ch Channel, err error) (Report, error) {
	if errors.Is(err, transport.ErrClosed) || !ch.Alive() {
		report.Aborted = true
		return report, nil
	}
	return report, err
}
