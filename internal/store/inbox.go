package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrInvalidName = errors.New("invalid file name")

// Inbox writes delivered files into a directory and records each one.
type Inbox struct {
	dir    string
	files  *FileStore
	logger logrus.FieldLogger
	now    func() time.Time
	write  func(w io.Writer, data []byte) error

	mu sync.Mutex
}

// NewInbox stores files under dir. files may be nil to skip history.
func NewInbox(dir string, files *FileStore, logger logrus.FieldLogger) *Inbox {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Inbox{
		dir:    dir,
		files:  files,
		logger: logger,
		now:    time.Now,
		write:  writeAll,
	}
}

func (in *Inbox) Deliver(peerID, fileName string, data []byte) error {
	name, err := SanitizeName(fileName)
	if err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	checksum, err := Checksum(bytes.NewReader(data))
	if err != nil {
		return err
	}

	f, stored, err := in.create(name)
	if err != nil {
		return err
	}
	werr := in.write(f, data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(stored)
		return fmt.Errorf("writing %s: %w", stored, werr)
	}

	log := in.logger.WithFields(logrus.Fields{
		"peer":     peerID,
		"file":     name,
		"path":     stored,
		"size":     len(data),
		"checksum": checksum,
	})
	log.Info("Stored file")

	if in.files == nil {
		return nil
	}
	if earlier, err := in.files.FindByChecksum(context.Background(), checksum); err != nil {
		log.WithError(err).Warn("Failed to look up earlier copies")
	} else if len(earlier) > 0 {
		log.WithField("earlier", earlier[0].StoredPath).Info("Same content was received before")
	}
	return in.files.Record(context.Background(), &ReceivedFile{
		PeerID:     peerID,
		Name:       name,
		StoredPath: stored,
		Size:       int64(len(data)),
		Checksum:   checksum,
		ReceivedAt: in.now(),
	})
}

// create opens a new file for name, appending " (n)" before the extension
// until the path is free.
func (in *Inbox) create(name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		p := filepath.Join(in.dir, candidate)

		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("creating %s: %w", p, err)
		}
		return f, p, nil
	}
}

// SanitizeName reduces a sender-supplied name to a bare file name.
func SanitizeName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSpace(base)

	switch {
	case base == "", base == ".", base == "..", base == "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsRune(base, 0):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

func Checksum(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}
