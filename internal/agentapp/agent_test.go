package agentapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/opentunnel/internal/tunnel"
)

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	logger := tunnel.NewLogger("test", tunnel.LogLevelTrace)
	return NewAgent(logger, tunnel.NewRealClock(), cfg)
}

func TestAgentDispatchRequestForwardsToLocalOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/widgets", r.URL.Path)
		assert.Equal(t, "color=red", r.URL.RawQuery)
		assert.Equal(t, "v1", r.Header.Get("X-Custom"))
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer origin.Close()

	cfg := DefaultConfig()
	cfg.LocalOrigin = origin.URL
	agent := newTestAgent(t, cfg)

	req := &tunnel.Frame{
		Method:  http.MethodGet,
		Path:    "/widgets",
		Query:   "color=red",
		Headers: []tunnel.Header{{"X-Custom", "v1"}},
	}

	replyCh := make(chan *tunnel.Frame, 1)
	agent.dispatchRequest(req, func(resp *tunnel.Frame) { replyCh <- resp })

	select {
	case resp := <-replyCh:
		assert.Equal(t, http.StatusCreated, resp.Status)
		assert.Equal(t, []byte("created"), resp.Body)
		assert.Equal(t, 0, int(agent.inFlight.OpenCount()))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatchRequest never replied")
	}
}

func TestAgentDispatchRequestUnreachableOriginYieldsLocalFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalOrigin = "http://127.0.0.1:1" // nothing listens here
	cfg.LocalTimeout = time.Second
	agent := newTestAgent(t, cfg)

	req := &tunnel.Frame{Method: http.MethodGet, Path: "/widgets"}

	replyCh := make(chan *tunnel.Frame, 1)
	agent.dispatchRequest(req, func(resp *tunnel.Frame) { replyCh <- resp })

	select {
	case resp := <-replyCh:
		assert.Equal(t, http.StatusBadGateway, resp.Status)
		assert.Contains(t, string(resp.Body), "LOCAL_ORIGIN_UNREACHABLE")
	case <-time.After(3 * time.Second):
		t.Fatal("dispatchRequest never replied")
	}
}

func TestLocalFailureResponseShape(t *testing.T) {
	resp := localFailureResponse(assert.AnError)
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "LOCAL_ORIGIN_UNREACHABLE", body["error"])
}

func TestAgentCreateTunnel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tunnels/create", r.URL.Path)
		assert.Equal(t, "op-key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"tunnel_id": "abc123", "auth_token": "tok"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL
	cfg.OperatorKey = "op-key"
	agent := newTestAgent(t, cfg)

	id, token, err := agent.createTunnel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "tok", token)
}

func TestAgentCreateTunnelFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL
	agent := newTestAgent(t, cfg)

	_, _, err := agent.createTunnel(context.Background())
	require.Error(t, err)
}
