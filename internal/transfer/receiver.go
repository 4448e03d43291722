package transfer

import (
	"github.com/sirupsen/logrus"
)

// Deliverer takes ownership of a completely received file.
type Deliverer interface {
	Deliver(peerID, fileName string, data []byte) error
}

type DelivererFunc func(peerID, fileName string, data []byte) error

func (f DelivererFunc) Deliver(peerID, fileName string, data []byte) error {
	return f(peerID, fileName, data)
}

// Receiver runs the receive state machine for one peer. It is not safe
// for concurrent use.
type Receiver struct {
	peerID    string
	state     State
	deliverer Deliverer
	observer  Observer
	logger    logrus.FieldLogger
}

func NewReceiver(peerID string, deliverer Deliverer, observer Observer, logger logrus.FieldLogger) *Receiver {
	if observer == nil {
		observer = NopObserver
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Receiver{
		peerID:    peerID,
		deliverer: deliverer,
		observer:  observer,
		logger:    logger.WithField("peer", peerID),
	}
}

func (r *Receiver) State() State {
	return r.state
}

// Handle feeds ev to the state machine and applies its effects. The
// returned error comes from the Deliverer.
func (r *Receiver) Handle(ev Event) error {
	next, effects := Step(r.state, ev)
	if next.Phase == PhaseComplete {
		next = State{}
	}
	r.state = next

	var firstErr error
	for _, effect := range effects {
		switch e := effect.(type) {
		case Progressed:
			r.observer.Progress(Progress{
				PeerID:    r.peerID,
				Direction: Incoming,
				FileName:  e.FileName,
				Bytes:     e.Bytes,
				Total:     e.Total,
			})
		case Delivered:
			r.logger.WithFields(logrus.Fields{"file": e.FileName, "size": len(e.Data)}).Info("Received file")
			if r.deliverer == nil {
				continue
			}
			if err := r.deliverer.Deliver(r.peerID, e.FileName, e.Data); err != nil {
				r.logger.WithError(err).WithField("file", e.FileName).Warn("Failed to deliver file")
				if firstErr == nil {
					firstErr = err
				}
			}
		case Discarded:
			r.logger.WithFields(logrus.Fields{
				"file":     e.FileName,
				"received": e.Received,
				"total":    e.Total,
			}).Info("Discarded partial transfer")
			r.observer.Progress(Progress{
				PeerID:    r.peerID,
				Direction: Incoming,
				FileName:  e.FileName,
				Bytes:     e.Received,
				Total:     e.Total,
				Aborted:   true,
				Err:       e.Err,
			})
		}
	}

	return firstErr
}
