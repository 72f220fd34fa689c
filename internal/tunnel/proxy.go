package tunnel

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/tomasen/realip"
)

// hopByHopHeaders is stripped from both legs of a proxied request, per
// SPEC_FULL.md section 4.4.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// reservedFirstSegments are path prefixes that are never treated as tunnel
// ids, resolved as Open Question #2 in DESIGN.md.
var reservedFirstSegments = map[string]bool{
	"api":     true,
	"health":  true,
	"metrics": true,
}

// ProxyConfig holds the tunable defaults from SPEC_FULL.md sections 4.4/6.
type ProxyConfig struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// DefaultProxyConfig returns the spec's stated defaults.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   10 * 1024 * 1024,
	}
}

// ProxyPipeline is the public reverse-proxy HTTP handler (section 4.4).
// Grounded on original_source/api/proxy_handler.py's proxy_request: resolve
// tunnel, build a request frame, await a correlated response with a
// deadline, translate the outcome back into an http.Response.
type ProxyPipeline struct {
	registry *Registry
	logger   Logger
	cfg      ProxyConfig
	clock    Clock
	metrics  *Metrics

	inFlight ConnStats
}

// NewProxyPipeline builds a ProxyPipeline over registry. metrics may be nil,
// in which case no Prometheus signals are reported.
func NewProxyPipeline(registry *Registry, logger Logger, clock Clock, cfg ProxyConfig, metrics *Metrics) *ProxyPipeline {
	return &ProxyPipeline{registry: registry, logger: logger, cfg: cfg, clock: clock, metrics: metrics}
}

func (p *ProxyPipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	firstSlash := strings.IndexByte(trimmed, '/')
	var tunnelID, rest string
	if firstSlash < 0 {
		tunnelID, rest = trimmed, ""
	} else {
		tunnelID, rest = trimmed[:firstSlash], trimmed[firstSlash:]
	}

	if tunnelID == "" || reservedFirstSegments[tunnelID] {
		writeProxyError(w, http.StatusNotFound, "TUNNEL_NOT_FOUND", "no such tunnel")
		return
	}

	t, ok := p.registry.Lookup(tunnelID)
	if !ok {
		writeProxyError(w, http.StatusNotFound, "TUNNEL_NOT_FOUND", "no such tunnel")
		return
	}
	if !t.Connected() {
		writeProxyError(w, http.StatusServiceUnavailable, "TUNNEL_NOT_CONNECTED", "tunnel has no attached agent")
		return
	}

	t.mu.Lock()
	session, _ := t.session.(*Session)
	t.mu.Unlock()
	if session == nil {
		writeProxyError(w, http.StatusServiceUnavailable, "TUNNEL_NOT_CONNECTED", "tunnel has no attached agent")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, "INTERNAL", "failed to read request body")
		return
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		writeProxyError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
		return
	}

	req := &Frame{
		Type:    FrameTypeRequest,
		Method:  r.Method,
		Path:    rest,
		Query:   r.URL.RawQuery,
		Headers: buildForwardedHeaders(r, stripHopByHop(r.Header)),
		Body:    body,
	}

	p.inFlight.New()
	p.inFlight.Open()
	if p.metrics != nil {
		p.metrics.InFlightRequests.Inc()
	}
	defer func() {
		p.inFlight.Close()
		if p.metrics != nil {
			p.metrics.InFlightRequests.Dec()
		}
	}()

	deadline := p.clock.Now().Add(p.cfg.RequestTimeout)
	resp, err := session.SendRequest(r.Context(), req, deadline)
	if err != nil {
		switch err {
		case ErrRequestTimeout:
			writeProxyError(w, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "timed out waiting for agent response")
		case ErrSessionClosed:
			writeProxyError(w, http.StatusBadGateway, "UPSTREAM_GONE", "tunnel session closed while request was in flight")
		default:
			writeProxyError(w, http.StatusInternalServerError, "INTERNAL", "internal proxy error")
		}
		return
	}

	p.logger.DLogf("%s %s%s -> %d (req %s, resp %s)", req.Method, tunnelID, rest, resp.Status,
		sizestr.ToString(int64(len(body))), sizestr.ToString(int64(len(resp.Body))))

	for _, h := range stripHopByHopPairs(resp.Headers) {
		w.Header().Add(h[0], h[1])
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func buildForwardedHeaders(r *http.Request, headers []Header) []Header {
	headers = append(headers, Header{"X-Forwarded-Host", r.Host})
	clientIP := realip.FromRequest(r)
	if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
		headers = append(headers, Header{"X-Forwarded-For", existing + ", " + clientIP})
	} else {
		headers = append(headers, Header{"X-Forwarded-For", clientIP})
	}
	return headers
}

func stripHopByHop(h http.Header) []Header {
	out := make([]Header, 0, len(h))
	for k, vs := range h {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			out = append(out, Header{k, v})
		}
	}
	return out
}

func stripHopByHopPairs(headers []Header) []Header {
	out := make([]Header, 0, len(headers))
	for _, h := range headers {
		if isHopByHop(h[0]) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func isHopByHop(name string) bool {
	for _, hh := range hopByHopHeaders {
		if strings.EqualFold(hh, name) {
			return true
		}
	}
	return false
}

func writeProxyError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
