// Package agentapp implements the agent side of the tunnel: it dials the
// server's transport endpoint, authenticates, and executes proxied HTTP
// requests against a local origin. Grounded on share/client.go's
// Client/connectionLoop (dial, jpillora/backoff retry, ShutdownHelper-driven
// run loop), with the SSH handshake replaced by the attach-frame handshake
// from original_source/api/tunnel_websocket.py.
package agentapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/opentunnel/internal/tunnel"
)

// Config describes one agent run: where to dial, how to authenticate, and
// which local origin receives dispatched requests.
type Config struct {
	ServerURL        string // e.g. "https://tunnels.example.com"
	OperatorKey      string
	AuthHeaderName   string
	TunnelID         string // empty to create a new tunnel
	TunnelName       string
	AuthToken        string // required if TunnelID is pre-existing
	LocalOrigin      string // e.g. "http://127.0.0.1:3000"
	MaxRetryCount    int
	MaxRetryInterval time.Duration
	LocalTimeout     time.Duration
	ShutdownGrace    time.Duration
}

// DefaultConfig returns a Config holding the defaults for the auth header
// name, retry interval, local timeout and shutdown grace; every other field
// is left zero.
func DefaultConfig() Config {
	return Config{
		AuthHeaderName:   "X-Api-Key",
		MaxRetryInterval: 5 * time.Minute,
		LocalTimeout:     28 * time.Second,
		ShutdownGrace:    5 * time.Second,
	}
}

// Agent runs the connect/auth/dispatch/reconnect loop of section 4.6.
type Agent struct {
	tunnel.ShutdownHelper

	cfg        Config
	httpClient *http.Client
	clock      tunnel.Clock

	inFlight tunnel.ConnStats
}

// NewAgent builds an Agent from cfg.
func NewAgent(logger tunnel.Logger, clock tunnel.Clock, cfg Config) *Agent {
	a := &Agent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.LocalTimeout},
		clock:      clock,
	}
	a.InitShutdownHelper(logger, a)
	return a
}

// HandleOnceShutdown waits up to cfg.ShutdownGrace for in-flight local
// dispatch calls to finish draining (section 4.6 step 7).
func (a *Agent) HandleOnceShutdown(completionErr error) error {
	deadline := time.Now().Add(a.cfg.ShutdownGrace)
	for a.inFlight.OpenCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	return completionErr
}

// Run blocks until ctx is cancelled or shutdown is requested, reconnecting
// with backoff whenever the transport drops.
func (a *Agent) Run(ctx context.Context) error {
	return a.DoOnceActivate(func() error {
		a.ShutdownOnContext(ctx)
		a.ShutdownWG().Add(1)
		go a.connectionLoop(ctx)
		return nil
	}, true)
}

func (a *Agent) connectionLoop(ctx context.Context) {
	defer a.ShutdownWG().Done()

	tunnelID := a.cfg.TunnelID
	authToken := a.cfg.AuthToken

	if tunnelID == "" {
		id, token, err := a.createTunnel(ctx)
		if err != nil {
			a.ELogf("failed to create tunnel: %s", err)
			a.StartShutdown(err)
			return
		}
		tunnelID, authToken = id, token
		a.ILogf("created tunnel %s", tunnelID)
	}

	b := &backoff.Backoff{Max: a.cfg.MaxRetryInterval}
	var connErr error
	for !a.IsStartedShutdown() {
		if connErr != nil {
			attempt := int(b.Attempt())
			if a.cfg.MaxRetryCount >= 0 && attempt >= a.cfg.MaxRetryCount && a.cfg.MaxRetryCount != 0 {
				a.ELogf("giving up after %d attempts: %s", attempt, connErr)
				a.StartShutdown(connErr)
				return
			}
			d := b.Duration()
			a.ILogf("connection error: %s, retrying in %s", connErr, d)
			connErr = nil
			select {
			case <-time.After(d):
			case <-a.ShutdownStartedChan():
				return
			}
		}

		if err := a.runOneSession(ctx, tunnelID, authToken); err != nil {
			connErr = err
			continue
		}
		b.Reset()
	}
}

func (a *Agent) wsURL(tunnelID string) (string, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/tunnel/connect/" + tunnelID
	return u.String(), nil
}

func (a *Agent) runOneSession(ctx context.Context, tunnelID, authToken string) error {
	wsURL, err := a.wsURL(tunnelID)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}

	attachRaw, _ := tunnel.EncodeFrame(&tunnel.Frame{Type: tunnel.FrameTypeAttach, AuthToken: authToken})
	if err := ws.WriteMessage(websocket.TextMessage, attachRaw); err != nil {
		_ = ws.Close()
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetReadDeadline(time.Time{})

	reply, err := tunnel.DecodeFrame(raw, tunnel.DefaultMaxFrameBytes)
	if err != nil || reply.Type != tunnel.FrameTypeAck {
		_ = ws.Close()
		if reply != nil && reply.Type == tunnel.FrameTypeError {
			return a.Errorf("attach rejected: %s %s", reply.Kind, reply.Message)
		}
		return a.Errorf("unexpected handshake reply")
	}
	a.ILogf("attached to tunnel %s", tunnelID)

	session := tunnel.NewSession(a.Fork("session"), ws, a.clock, tunnel.DefaultSessionConfig(), nil, a.dispatchRequest, nil)
	if err := session.Run(); err != nil {
		return err
	}
	return session.WaitShutdown()
}

func (a *Agent) dispatchRequest(req *tunnel.Frame, reply func(*tunnel.Frame)) {
	a.inFlight.New()
	a.inFlight.Open()
	defer a.inFlight.Close()

	targetURL := strings.TrimRight(a.cfg.LocalOrigin, "/") + req.Path
	if req.Query != "" {
		targetURL += "?" + req.Query
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.LocalTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bytes.NewReader(req.Body))
	if err != nil {
		reply(localFailureResponse(err))
		return
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h[0], h[1])
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		reply(localFailureResponse(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		reply(localFailureResponse(err))
		return
	}

	var headers []tunnel.Header
	for k, vs := range resp.Header {
		for _, v := range vs {
			headers = append(headers, tunnel.Header{k, v})
		}
	}

	reply(&tunnel.Frame{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    body,
	})
}

func localFailureResponse(err error) *tunnel.Frame {
	return &tunnel.Frame{
		Status: http.StatusBadGateway,
		Headers: []tunnel.Header{
			{"Content-Type", "application/json"},
		},
		Body: []byte(fmt.Sprintf(`{"error":"LOCAL_ORIGIN_UNREACHABLE","message":%q}`, err.Error())),
	}
}

func (a *Agent) createTunnel(ctx context.Context) (string, string, error) {
	createURL := strings.TrimRight(a.cfg.ServerURL, "/") + "/api/tunnels/create"
	payload := fmt.Sprintf(`{"name":%q}`, a.cfg.TunnelName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, createURL, strings.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(a.cfg.AuthHeaderName, a.cfg.OperatorKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("create tunnel failed: %s: %s", resp.Status, string(body))
	}

	var created struct {
		TunnelID  string `json:"tunnel_id"`
		AuthToken string `json:"auth_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", "", err
	}
	return created.TunnelID, created.AuthToken, nil
}
