package tunnel

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ControlConfig holds the operator/admin credential configuration (section
// 4.5/6).
type ControlConfig struct {
	AuthHeaderName string
	OperatorKey    string
	// AdminKey, when non-empty, is additionally required (via the same
	// AuthHeaderName, checked on top of OperatorKey) for Delete.
	AdminKey func() string
}

// DefaultControlConfig returns the spec's stated default header name.
func DefaultControlConfig(operatorKey string, adminKey func() string) ControlConfig {
	return ControlConfig{
		AuthHeaderName: "X-Api-Key",
		OperatorKey:    operatorKey,
		AdminKey:       adminKey,
	}
}

// ControlPlane implements the create/list/get/delete HTTP contract (section
// 4.5), grounded on the FastAPI route shapes in original_source, expressed
// as a net/http.ServeMux following share/server.go's own mux-wiring idiom.
type ControlPlane struct {
	registry *Registry
	logger   Logger
	cfg      ControlConfig
}

// NewControlPlane builds a ControlPlane over registry.
func NewControlPlane(registry *Registry, logger Logger, cfg ControlConfig) *ControlPlane {
	return &ControlPlane{registry: registry, logger: logger, cfg: cfg}
}

// Handler returns the mux serving /api/tunnels/... and /api.
func (c *ControlPlane) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", c.handleIndex)
	mux.HandleFunc("/api/tunnels/create", c.requireOperator(c.handleCreate))
	mux.HandleFunc("/api/tunnels/list", c.requireOperator(c.handleList))
	mux.HandleFunc("/api/tunnels/", c.requireOperator(c.handleTunnelByID))
	return mux
}

func (c *ControlPlane) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		supplied := r.Header.Get(c.cfg.AuthHeaderName)
		if supplied == "" {
			writeProxyError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing operator credential")
			return
		}
		if supplied != c.cfg.OperatorKey {
			writeProxyError(w, http.StatusForbidden, "FORBIDDEN", "invalid operator credential")
			return
		}
		next(w, r)
	}
}

func (c *ControlPlane) requireAdmin(r *http.Request) bool {
	if c.cfg.AdminKey == nil {
		return true
	}
	key := c.cfg.AdminKey()
	if key == "" {
		return true
	}
	return r.Header.Get(c.cfg.AuthHeaderName) == key
}

func (c *ControlPlane) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"routes": []string{
			"POST /api/tunnels/create",
			"GET /api/tunnels/list",
			"GET /api/tunnels/{id}/status",
			"DELETE /api/tunnels/{id}",
		},
	})
}

type createTunnelRequest struct {
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c *ControlPlane) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProxyError(w, http.StatusMethodNotAllowed, "INTERNAL", "method not allowed")
		return
	}
	var req createTunnelRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	t, token, err := c.registry.Create(TunnelSpec{Name: req.Name, Metadata: req.Metadata})
	if err != nil {
		if re, ok := err.(*RegistryError); ok && re.Kind == RegErrCapacityExceeded {
			writeProxyError(w, http.StatusServiceUnavailable, "CAPACITY_EXCEEDED", "maximum tunnel count reached")
			return
		}
		writeProxyError(w, http.StatusInternalServerError, "INTERNAL", "failed to create tunnel")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnel_id":  t.ID,
		"auth_token": token,
		"url":        "/" + t.ID,
		"created_at": t.CreatedAt,
	})
}

func (c *ControlPlane) handleList(w http.ResponseWriter, r *http.Request) {
	snapshots := c.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": snapshots,
		"total":   len(snapshots),
	})
}

func (c *ControlPlane) handleTunnelByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tunnels/")
	rest = strings.TrimSuffix(rest, "/")
	var id string
	switch {
	case strings.HasSuffix(rest, "/status"):
		id = strings.TrimSuffix(rest, "/status")
		c.handleStatus(w, r, id)
	default:
		id = rest
		if r.Method == http.MethodDelete {
			c.handleDelete(w, r, id)
			return
		}
		writeProxyError(w, http.StatusNotFound, "TUNNEL_NOT_FOUND", "no such route")
	}
}

func (c *ControlPlane) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	t, ok := c.registry.Lookup(id)
	if !ok {
		writeProxyError(w, http.StatusNotFound, "TUNNEL_NOT_FOUND", "no such tunnel")
		return
	}
	writeJSON(w, http.StatusOK, t.snapshot())
}

func (c *ControlPlane) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if !c.requireAdmin(r) {
		writeProxyError(w, http.StatusForbidden, "FORBIDDEN", "invalid admin credential")
		return
	}
	if err := c.registry.Delete(id); err != nil {
		writeProxyError(w, http.StatusNotFound, "TUNNEL_NOT_FOUND", "no such tunnel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TransportHandler upgrades /api/tunnel/connect/{id} to a websocket and runs
// the attach handshake (section 4.6 step 3 mirrored server-side, section
// 4.3), grounded on original_source/api/tunnel_websocket.py's tunnel_connect.
type TransportHandler struct {
	registry *Registry
	logger   Logger
	clock    Clock
	sessCfg  SessionConfig
	metrics  *Metrics

	upgrader websocket.Upgrader
}

// NewTransportHandler builds a TransportHandler over registry. metrics may
// be nil, in which case no Prometheus signals are reported.
func NewTransportHandler(registry *Registry, logger Logger, clock Clock, sessCfg SessionConfig, metrics *Metrics) *TransportHandler {
	return &TransportHandler{
		registry: registry,
		logger:   logger,
		clock:    clock,
		sessCfg:  sessCfg,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP expects r.URL.Path of the form /api/tunnel/connect/{id}.
func (h *TransportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tunnel/connect/")
	id = strings.Trim(id, "/")
	if id == "" {
		writeProxyError(w, http.StatusNotFound, "UNKNOWN_ID", "missing tunnel id")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WLogf("websocket upgrade failed: %s", err)
		return
	}

	session := NewSession(h.logger.Fork("session %s", id), ws, h.clock, h.sessCfg,
		func(now time.Time) { h.registry.Touch(id, now) }, nil, h.metrics)

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		h.logger.WLogf("tunnel %s: no attach frame received: %s", id, err)
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	attach, err := DecodeFrame(raw, h.sessCfg.MaxFrameBytes)
	if err != nil || attach.Type != FrameTypeAttach {
		h.sendAttachError(ws, "BAD_TOKEN", "first frame must be an attach frame")
		_ = ws.Close()
		return
	}

	if _, err := h.registry.Attach(id, attach.AuthToken, session); err != nil {
		re, _ := err.(*RegistryError)
		kind := "BAD_TOKEN"
		if re != nil {
			kind = string(re.Kind)
		}
		h.sendAttachError(ws, kind, "attach rejected")
		_ = ws.Close()
		return
	}

	ackRaw, _ := EncodeFrame(&Frame{Type: FrameTypeAck})
	_ = ws.WriteMessage(websocket.TextMessage, ackRaw)

	if err := session.Run(); err != nil {
		h.logger.WLogf("tunnel %s: session run failed: %s", id, err)
	}
	session.WaitShutdown()
	h.registry.Detach(id, session)
}

func (h *TransportHandler) sendAttachError(ws *websocket.Conn, kind, message string) {
	raw, _ := EncodeFrame(&Frame{Type: FrameTypeError, Kind: kind, Message: message})
	_ = ws.WriteMessage(websocket.TextMessage, raw)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, kind),
		time.Now().Add(time.Second))
}
