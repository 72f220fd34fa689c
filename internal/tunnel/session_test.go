package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialSessionPair spins up a real websocket connection over an httptest
// server and wraps each end in a Session, so frame pumps exercise the actual
// gorilla/websocket wire path rather than a mock.
func dialSessionPair(t *testing.T, clock Clock, cfg SessionConfig, serverOnRequest, clientOnRequest RequestHandler) (server *Session, client *Session, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	serverConn := <-connCh

	logger := NewLogger("test", LogLevelTrace)
	server = NewSession(logger.Fork("server"), serverConn, clock, cfg, nil, serverOnRequest, nil)
	client = NewSession(logger.Fork("client"), clientConn, clock, cfg, nil, clientOnRequest, nil)

	require.NoError(t, server.Run())
	require.NoError(t, client.Run())

	cleanup = func() {
		server.StartShutdown(nil)
		client.StartShutdown(nil)
		_ = server.WaitShutdown()
		_ = client.WaitShutdown()
		srv.Close()
	}
	return server, client, cleanup
}

// dialSilentPeer wraps only the server end of a real websocket connection in
// a Session. The client end is never read from or written to, so every
// heartbeat ping the Session sends goes unanswered. It returns once the
// Session's heartbeat ticker is registered with clock, so the first
// clock.Advance is not lost.
func dialSilentPeer(t *testing.T, clock *fakeClock, cfg SessionConfig) (server *Session, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	serverConn := <-connCh

	server = NewSession(NewLogger("test", LogLevelTrace).Fork("server"), serverConn, clock, cfg, nil, nil, nil)
	require.NoError(t, server.Run())

	require.Eventually(t, func() bool {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return len(clock.tickers) > 0
	}, time.Second, time.Millisecond)

	cleanup = func() {
		server.StartShutdown(nil)
		_ = server.WaitShutdown()
		_ = clientConn.Close()
		srv.Close()
	}
	return server, cleanup
}

func TestSessionSendRequestRoundTrip(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cfg := SessionConfig{HeartbeatInterval: 0, MaxFrameBytes: DefaultMaxFrameBytes, OutboundQueueSize: 8}

	agentHandler := func(req *Frame, reply func(resp *Frame)) {
		assert.Equal(t, "/widgets", req.Path)
		reply(&Frame{Status: http.StatusOK, Body: []byte("ok")})
	}

	server, _, cleanup := dialSessionPair(t, clock, cfg, nil, agentHandler)
	defer cleanup()

	req := &Frame{Type: FrameTypeRequest, Method: "GET", Path: "/widgets"}
	resp, err := server.SendRequest(context.Background(), req, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("ok"), resp.Body)
}

func TestSessionSendRequestTimeout(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cfg := SessionConfig{HeartbeatInterval: 0, MaxFrameBytes: DefaultMaxFrameBytes, OutboundQueueSize: 8}

	// clientOnRequest deliberately never replies, forcing the deadline path.
	neverReplies := func(req *Frame, reply func(resp *Frame)) {}

	server, _, cleanup := dialSessionPair(t, clock, cfg, nil, neverReplies)
	defer cleanup()

	req := &Frame{Type: FrameTypeRequest, Method: "GET", Path: "/slow"}
	deadline := clock.Now().Add(5 * time.Second)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = server.SendRequest(context.Background(), req, deadline)
		close(done)
	}()

	// give the request a moment to be enqueued before advancing the clock
	time.Sleep(50 * time.Millisecond)
	clock.Advance(6 * time.Second)
	<-done
	assert.Equal(t, ErrRequestTimeout, err)
}

func TestSessionSendRequestFailsOnContextCancel(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cfg := SessionConfig{HeartbeatInterval: 0, MaxFrameBytes: DefaultMaxFrameBytes, OutboundQueueSize: 8}
	neverReplies := func(req *Frame, reply func(resp *Frame)) {}

	server, _, cleanup := dialSessionPair(t, clock, cfg, nil, neverReplies)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	req := &Frame{Type: FrameTypeRequest, Method: "GET", Path: "/slow"}

	done := make(chan struct{})
	var err error
	go func() {
		_, err = server.SendRequest(ctx, req, time.Time{})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionDroppedLateResponseIsCounted(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cfg := SessionConfig{HeartbeatInterval: 0, MaxFrameBytes: DefaultMaxFrameBytes, OutboundQueueSize: 8}

	server, client, cleanup := dialSessionPair(t, clock, cfg, nil, nil)
	defer cleanup()

	// Send a response frame for an id the server never requested.
	require.NoError(t, client.Enqueue(&Frame{Type: FrameTypeResponse, CorrelationID: "ghost", Status: http.StatusOK}))

	require.Eventually(t, func() bool {
		return server.DroppedResponseCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSessionHeartbeatMissTerminatesSession(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cfg := SessionConfig{HeartbeatInterval: time.Second, HeartbeatMissThreshold: 2, MaxFrameBytes: DefaultMaxFrameBytes, OutboundQueueSize: 8}

	server, _, cleanup := dialSessionPair(t, clock, cfg, nil, nil)
	defer cleanup()

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return server.IsScheduledShutdown()
	}, time.Second, 10*time.Millisecond)
}
