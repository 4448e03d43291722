package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/transporttest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	peerID string
	name   string
	data   []byte
}

type recordingDeliverer struct {
	mu  sync.Mutex
	got []delivery
	err error
	ch  chan delivery
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{ch: make(chan delivery, 16)}
}

func (r *recordingDeliverer) Deliver(peerID, fileName string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := delivery{peerID: peerID, name: fileName, data: data}
	r.got = append(r.got, d)
	r.ch <- d
	return r.err
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type recordingObserver struct {
	mu  sync.Mutex
	got []Progress
}

func (r *recordingObserver) Progress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
}

func (r *recordingObserver) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.got...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestReceiverDeliversOnce(t *testing.T) {
	d := newRecordingDeliverer()
	obs := &recordingObserver{}
	r := NewReceiver("peer-a", d, obs, quietLogger())

	require.NoError(t, r.Handle(MetadataReceived{Metadata{Name: "a.txt", Size: 10}}))
	require.NoError(t, r.Handle(ChunkReceived{Data: []byte("hello")}))
	require.NoError(t, r.Handle(ChunkReceived{Data: []byte("world")}))

	require.Equal(t, 1, d.count())
	assert.Equal(t, delivery{peerID: "peer-a", name: "a.txt", data: []byte("helloworld")}, d.got[0])
	assert.Equal(t, PhaseIdle, r.State().Phase, "complete resets to idle")

	assert.Equal(t, []Progress{
		{PeerID: "peer-a", Direction: Incoming, FileName: "a.txt", Bytes: 5, Total: 10},
		{PeerID: "peer-a", Direction: Incoming, FileName: "a.txt", Bytes: 10, Total: 10},
	}, obs.all())

	require.NoError(t, r.Handle(ChunkReceived{Data: []byte("again")}))
	assert.Equal(t, 1, d.count())
}

func TestReceiverReportsDiscardToObserver(t *testing.T) {
	obs := &recordingObserver{}
	r := NewReceiver("peer-a", newRecordingDeliverer(), obs, quietLogger())
	boom := errors.New("ice failed")

	require.NoError(t, r.Handle(MetadataReceived{Metadata{Name: "a.txt", Size: 10}}))
	require.NoError(t, r.Handle(ChunkReceived{Data: []byte("hello")}))
	require.NoError(t, r.Handle(ChannelClosed{Err: boom}))

	all := obs.all()
	require.Len(t, all, 2)
	last := all[1]
	assert.True(t, last.Aborted)
	assert.True(t, last.Final())
	assert.Equal(t, int64(5), last.Bytes)
	assert.Equal(t, int64(10), last.Total)
	assert.ErrorIs(t, last.Err, boom)
}

func TestReceiverReportsDeliveryError(t *testing.T) {
	d := newRecordingDeliverer()
	d.err = errors.New("disk full")
	r := NewReceiver("p", d, nil, quietLogger())

	err := r.Handle(MetadataReceived{Metadata{Name: "x", Size: 0}})
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, PhaseIdle, r.State().Phase)
}

type fakeChannel struct {
	alive   bool
	dieAt   int
	sent    [][]byte
	texts   []string
	sendErr error
}

func (f *fakeChannel) Alive() bool {
	return f.alive
}

func (f *fakeChannel) Send(_ context.Context, data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	if f.dieAt > 0 && len(f.sent) == f.dieAt {
		f.alive = false
	}
	return nil
}

func (f *fakeChannel) SendText(_ context.Context, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func TestSenderChunks(t *testing.T) {
	ch := &fakeChannel{alive: true}
	obs := &recordingObserver{}
	s := &Sender{PeerID: "p", ChunkSize: 4, Observer: obs}

	report, err := s.Send(context.Background(), ch, Metadata{Name: "a.txt", Size: 10}, strings.NewReader("0123456789"))
	require.NoError(t, err)

	assert.Equal(t, Report{FileName: "a.txt", Bytes: 10, Total: 10, Chunks: 3}, report)
	require.Len(t, ch.texts, 1)
	assert.JSONEq(t, `{"meta":{"name":"a.txt","size":10}}`, ch.texts[0])
	assert.Equal(t, [][]byte{[]byte("0123"), []byte("4567"), []byte("89")}, ch.sent)

	var bytesSeen []int64
	for _, p := range obs.all() {
		assert.Equal(t, Outgoing, p.Direction)
		bytesSeen = append(bytesSeen, p.Bytes)
	}
	assert.Equal(t, []int64{4, 8, 10}, bytesSeen)
}

func TestSenderZeroSize(t *testing.T) {
	ch := &fakeChannel{alive: true}
	obs := &recordingObserver{}
	s := &Sender{Observer: obs}

	report, err := s.Send(context.Background(), ch, Metadata{Name: "empty", Size: 0}, strings.NewReader(""))
	require.NoError(t, err)

	assert.Empty(t, ch.sent)
	assert.Len(t, ch.texts, 1)
	assert.Equal(t, []Progress{{Direction: Outgoing, FileName: "empty", Bytes: 0, Total: 0}}, obs.all())
	assert.False(t, report.Aborted)
}

func TestSenderDeadChannelIsSilent(t *testing.T) {
	ch := &fakeChannel{alive: false}
	s := &Sender{}

	report, err := s.Send(context.Background(), ch, Metadata{Name: "a", Size: 3}, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Empty(t, ch.texts)
}

func TestSenderStopsWhenChannelDies(t *testing.T) {
	ch := &fakeChannel{alive: true, dieAt: 1}
	s := &Sender{ChunkSize: 2}

	report, err := s.Send(context.Background(), ch, Metadata{Name: "a", Size: 6}, strings.NewReader("abcdef"))
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Equal(t, int64(2), report.Bytes)
	assert.Len(t, ch.sent, 1)
}

func TestSenderReportsAbortToObserver(t *testing.T) {
	ch := &fakeChannel{alive: true, dieAt: 1}
	obs := &recordingObserver{}
	s := &Sender{PeerID: "p", ChunkSize: 2, Observer: obs}

	_, err := s.Send(context.Background(), ch, Metadata{Name: "a", Size: 6}, strings.NewReader("abcdef"))
	require.NoError(t, err)

	all := obs.all()
	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, Progress{PeerID: "p", Direction: Outgoing, FileName: "a", Bytes: 2, Total: 6, Aborted: true}, last)
}

func TestSenderReportsErrorToObserver(t *testing.T) {
	obs := &recordingObserver{}
	s := &Sender{Observer: obs}

	_, err := s.Send(context.Background(), &fakeChannel{alive: true}, Metadata{Name: "a", Size: 5}, strings.NewReader("abc"))
	require.ErrorIs(t, err, ErrShortSource)

	all := obs.all()
	require.Len(t, all, 1)
	assert.True(t, all[0].Aborted)
	assert.ErrorIs(t, all[0].Err, ErrShortSource)
}

func TestSenderClosedErrorIsSilent(t *testing.T) {
	ch := &fakeChannel{alive: true, sendErr: transport.ErrClosed}
	s := &Sender{}

	report, err := s.Send(context.Background(), ch, Metadata{Name: "a", Size: 1}, strings.NewReader("a"))
	require.NoError(t, err)
	assert.True(t, report.Aborted)
}

func TestSenderErrors(t *testing.T) {
	s := &Sender{}

	_, err := s.Send(context.Background(), &fakeChannel{alive: true}, Metadata{Name: "a", Size: 5}, strings.NewReader("abc"))
	assert.ErrorIs(t, err, ErrShortSource)

	_, err = s.Send(context.Background(), &fakeChannel{alive: true}, Metadata{Name: "a", Size: -1}, strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidSize)

	boom := errors.New("boom")
	_, err = s.Send(context.Background(), &fakeChannel{alive: true, sendErr: boom}, Metadata{Name: "a", Size: 1}, strings.NewReader("a"))
	assert.ErrorIs(t, err, boom)
}

type pair struct {
	sender       *Session
	receiver     *Session
	delivered    *recordingDeliverer
	senderConn   *transporttest.Conn
	receiverConn *transporttest.Conn
	closed       chan error
}

func setupSessions(t *testing.T, chunkSize int) *pair {
	t.Helper()

	a, b := transporttest.Pipe("alice", "bob")
	p := &pair{
		delivered:    newRecordingDeliverer(),
		senderConn:   a,
		receiverConn: b,
		closed:       make(chan error, 1),
	}
	p.sender = NewSession(a, SessionOptions{ChunkSize: chunkSize, Logger: quietLogger()})
	p.receiver = NewSession(b, SessionOptions{
		Deliverer: p.delivered,
		Logger:    quietLogger(),
		OnClosed:  func(_ string, err error) { p.closed <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.sender.Run(ctx) }()
	go func() { _ = p.receiver.Run(ctx) }()

	return p
}

func TestSessionRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 5, 64*1024 + 3}

	for _, size := range sizes {
		p := setupSessions(t, 1000)
		content := bytes.Repeat([]byte{0xAB, 0x01, '{'}, size/3+1)[:size]

		report, err := p.sender.SendFile(context.Background(), "blob.bin", int64(size), bytes.NewReader(content))
		require.NoError(t, err)
		assert.False(t, report.Aborted)

		select {
		case d := <-p.delivered.ch:
			assert.Equal(t, "alice", d.peerID)
			assert.Equal(t, "blob.bin", d.name)
			assert.True(t, bytes.Equal(content, d.data), "size %d corrupted", size)
		case <-time.After(5 * time.Second):
			t.Fatalf("size %d never delivered", size)
		}
		assert.Equal(t, 1, p.delivered.count())
	}
}

func TestSessionMidTransferDisconnect(t *testing.T) {
	a, b := transporttest.Pipe("alice", "bob")
	d := newRecordingDeliverer()
	closed := make(chan error, 1)
	s := NewSession(b, SessionOptions{Deliverer: d, Logger: quietLogger(), OnClosed: func(_ string, err error) { closed <- err }})

	ctx := context.Background()
	go func() { _ = s.Run(ctx) }()

	frame, err := EncodeMetadata(Metadata{Name: "a.txt", Size: 10})
	require.NoError(t, err)
	require.NoError(t, a.SendText(ctx, string(frame)))
	require.NoError(t, a.Send(ctx, []byte("hello")))
	require.NoError(t, a.Close())

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Equal(t, 0, d.count())
	assert.Equal(t, PhaseIdle, s.receiver.State().Phase)

	// A fresh connection gets a fresh session and starts idle.
	a2, b2 := transporttest.Pipe("alice", "bob")
	fresh := NewSession(b2, SessionOptions{Deliverer: d, Logger: quietLogger()})
	go func() { _ = fresh.Run(ctx) }()
	t.Cleanup(func() { _ = a2.Close() })

	require.NoError(t, a2.Send(ctx, []byte("world")))
	require.NoError(t, a2.SendText(ctx, string(frame)))
	require.NoError(t, a2.Send(ctx, []byte("0123456789")))

	select {
	case got := <-d.ch:
		assert.Equal(t, []byte("0123456789"), got.data)
	case <-time.After(5 * time.Second):
		t.Fatal("fresh transfer never delivered")
	}
	assert.Equal(t, 1, d.count())
}

func TestSessionFailureReachesHook(t *testing.T) {
	p := setupSessions(t, 0)
	boom := errors.New("ice failed")
	p.senderConn.Fail(boom)

	select {
	case err := <-p.closed:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("close hook not called")
	}
}

func TestSessionRejectsOverlappingSend(t *testing.T) {
	a, _ := transporttest.PipeWithBuffer("alice", "bob", 1)
	s := NewSession(a, SessionOptions{ChunkSize: 1, Logger: quietLogger()})

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		close(started)
		_, err := s.SendFile(context.Background(), "big", 100, bytes.NewReader(make([]byte, 100)))
		result <- err
	}()
	<-started

	require.Eventually(t, func() bool { return s.sending.Load() }, time.Second, time.Millisecond)
	_, err := s.SendFile(context.Background(), "other", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrTransferInProgress)

	require.NoError(t, a.Close())
	select {
	case err := <-result:
		assert.NoError(t, err, "closing mid-send is a silent abort")
	case <-time.After(5 * time.Second):
		t.Fatal("blocked send did not return")
	}
}
