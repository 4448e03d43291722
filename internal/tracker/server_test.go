package tracker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	cfg.Addr = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected Start error: %v", err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, "ws://" + srv.Addr() + "/ws"
}

func setupClient(t *testing.T, url string) *WSClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewWSClient(url, quietLogger())
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, c *WSClient, want protocol.MessageType) protocol.Message {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.Events():
			require.True(t, ok, "events closed while waiting for %s", want)
			if msg.Type() == want {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown() }()

	assert.NotEmpty(t, srv.Addr())
}

func TestServerHealth(t *testing.T) {
	srv, _ := setupServer(t, Config{})

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK\n", string(body))
}

func TestServerAssignsIdentity(t *testing.T) {
	_, url := setupServer(t, Config{})

	a := setupClient(t, url)
	b := setupClient(t, url)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, presence.ValidJoinCode(a.JoinCode()))
}

func TestServerAutoDiscoveryGroupsSameNetwork(t *testing.T) {
	srv, url := setupServer(t, Config{AutoDiscovery: true})

	a := setupClient(t, url)
	require.Eventually(t, func() bool {
		return len(srv.Service().Members("net:127.0.0.1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	b := setupClient(t, url)
	require.Eventually(t, func() bool {
		return len(srv.Service().Members("net:127.0.0.1")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	c := setupClient(t, url)

	existing := waitFor(t, c, protocol.MsgPeersExisting).(*protocol.PeersExisting)
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, existing.Peers)

	for _, member := range []*WSClient{a, b} {
		var seen []string
		for len(seen) == 0 || seen[len(seen)-1] != c.ID() {
			seen = append(seen, waitFor(t, member, protocol.MsgPeerJoined).(*protocol.PeerJoined).PeerID)
		}
	}
}

func TestClientSurvivesConnectContextCancel(t *testing.T) {
	_, url := setupServer(t, Config{})

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		c := NewWSClient(url, quietLogger())
		require.NoError(t, c.Connect(ctx))
		cancel()
		time.Sleep(20 * time.Millisecond)

		// A live connection still answers a manual join.
		require.NoError(t, c.JoinManual(context.Background(), c.JoinCode()))
		waitFor(t, c, protocol.MsgNotFound)
		_ = c.Close()
	}
}

func TestServerManualJoinMiss(t *testing.T) {
	_, url := setupServer(t, Config{})

	a := setupClient(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := "000000"
	if code == a.JoinCode() {
		code = "000001"
	}
	require.NoError(t, a.JoinManual(ctx, code))

	msg := waitFor(t, a, protocol.MsgNotFound).(*protocol.NotFound)
	assert.Contains(t, msg.Message, code)
}

func TestServerManualJoinAndRelay(t *testing.T) {
	_, url := setupServer(t, Config{})

	owner := setupClient(t, url)
	joiner := setupClient(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, joiner.JoinManual(ctx, owner.JoinCode()))

	existing := waitFor(t, joiner, protocol.MsgPeersExisting).(*protocol.PeersExisting)
	assert.Equal(t, []string{owner.ID()}, existing.Peers)

	joined := waitFor(t, owner, protocol.MsgPeerJoined).(*protocol.PeerJoined)
	assert.Equal(t, joiner.ID(), joined.PeerID)

	require.NoError(t, joiner.SendSignal(ctx, owner.ID(), []byte(`{"type":"offer","sdp":"v=0"}`)))

	sig := waitFor(t, owner, protocol.MsgSignal).(*protocol.Signal)
	assert.Equal(t, joiner.ID(), sig.Sender)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(sig.Payload))

	require.NoError(t, joiner.Close())

	left := waitFor(t, owner, protocol.MsgPeerLeft).(*protocol.PeerLeft)
	assert.Equal(t, joiner.ID(), left.PeerID)
}

func TestServerTrustProxy(t *testing.T) {
	srv, url := setupServer(t, Config{AutoDiscovery: true, TrustProxy: true})

	dial := func(fwd string) *websocket.Conn {
		header := http.Header{}
		header.Set("X-Forwarded-For", fwd)
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	dial("203.0.113.7, 10.0.0.1")
	dial("203.0.113.7")

	require.Eventually(t, func() bool {
		return len(srv.Service().Members("net:203.0.113.7")) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNetworkKey(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		forwarded  string
		remote     string
		want       string
	}{
		{"remote host", false, "", "192.0.2.1:5555", "net:192.0.2.1"},
		{"header ignored without trust", false, "203.0.113.7", "192.0.2.1:5555", "net:192.0.2.1"},
		{"first forwarded entry", true, "203.0.113.7, 10.0.0.1", "192.0.2.1:5555", "net:203.0.113.7"},
		{"empty header falls back", true, "", "192.0.2.1:5555", "net:192.0.2.1"},
		{"remote without port", false, "", "192.0.2.1", "net:192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{TrustProxy: tt.trustProxy}}
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, s.networkKey(r))
		})
	}
}

func TestOutboxDropsWhenFull(t *testing.T) {
	out := newWSOutbox(1, quietLogger())

	out.Deliver(&protocol.PeerLeft{PeerID: "a"})
	out.Deliver(&protocol.PeerLeft{PeerID: "b"})

	require.Len(t, out.queue, 1)
	msg := <-out.queue
	assert.Equal(t, "a", msg.(*protocol.PeerLeft).PeerID)

	out.close()
	out.Deliver(&protocol.PeerLeft{PeerID: "c"})
	assert.Empty(t, out.queue)
	assert.NotPanics(t, out.close)
}
