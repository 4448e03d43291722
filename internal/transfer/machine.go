package transfer

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReceiving
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReceiving:
		return "receiving"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// State is the receive side of one peer pair. Step may share chunk storage
// between its input and output, so only the returned State should be kept.
type State struct {
	Phase     Phase
	FileName  string
	TotalSize int64
	Received  int64
	chunks    [][]byte
}

type Event interface {
	isEvent()
}

type MetadataReceived struct {
	Metadata Metadata
}

type ChunkReceived struct {
	Data []byte
}

// ChannelClosed ends the channel. Err is nil for an orderly close.
type ChannelClosed struct {
	Err error
}

func (MetadataReceived) isEvent() {}
func (ChunkReceived) isEvent()    {}
func (ChannelClosed) isEvent()    {}

type Effect interface {
	isEffect()
}

type Progressed struct {
	FileName string
	Bytes    int64
	Total    int64
}

// Delivered carries the assembled file. It is emitted once per transfer.
type Delivered struct {
	FileName string
	Data     []byte
}

// Discarded reports a partial transfer that was dropped. Err is the
// channel failure that ended it, if any.
type Discarded struct {
	FileName string
	Received int64
	Total    int64
	Err      error
}

func (Progressed) isEffect() {}
func (Delivered) isEffect()  {}
func (Discarded) isEffect()  {}

// Step is the receive state machine. It performs no I/O.
func Step(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case MetadataReceived:
		var effects []Effect
		if s.Phase == PhaseReceiving {
			effects = append(effects, s.discarded())
		}

		next := State{
			Phase:     PhaseReceiving,
			FileName:  e.Metadata.Name,
			TotalSize: e.Metadata.Size,
		}
		if next.TotalSize == 0 {
			next.Phase = PhaseComplete
			effects = append(effects,
				Progressed{FileName: next.FileName, Bytes: 0, Total: 0},
				Delivered{FileName: next.FileName, Data: []byte{}},
			)
		}
		return next, effects

	case ChunkReceived:
		if s.Phase != PhaseReceiving {
			return State{}, nil
		}

		data := e.Data
		if remaining := s.TotalSize - s.Received; int64(len(data)) > remaining {
			data = data[:remaining]
		}

		next := s
		next.chunks = append(s.chunks, data)
		next.Received += int64(len(data))

		effects := []Effect{Progressed{FileName: next.FileName, Bytes: next.Received, Total: next.TotalSize}}
		if next.Received == next.TotalSize {
			effects = append(effects, Delivered{FileName: next.FileName, Data: assemble(next.chunks, next.TotalSize)})
			next.Phase = PhaseComplete
			next.chunks = nil
		}
		return next, effects

	case ChannelClosed:
		if s.Phase == PhaseReceiving {
			d := s.discarded()
			d.Err = e.Err
			return State{}, []Effect{d}
		}
		return State{}, nil
	}

	return s, nil
}

func (s State) discarded() Discarded {
	return Discarded{FileName: s.FileName, Received: s.Received, Total: s.TotalSize}
}

func assemble(chunks [][]byte, size int64) []byte {
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
