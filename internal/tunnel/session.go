package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Sentinel errors returned by Session.SendRequest.
var (
	ErrRequestTimeout = errors.New("request timed out waiting for response")
	ErrSessionClosed  = errors.New("session closed")
)

// SessionConfig carries the heartbeat and framing tunables from
// SPEC_FULL.md section 4.3/6.
type SessionConfig struct {
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
	MaxFrameBytes          int
	OutboundQueueSize      int
}

// DefaultSessionConfig returns the spec's stated defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval:      10 * time.Second,
		HeartbeatMissThreshold: 3,
		MaxFrameBytes:          DefaultMaxFrameBytes,
		OutboundQueueSize:      256,
	}
}

// RequestHandler processes an inbound HTTP_REQUEST frame and is responsible
// for eventually calling reply with the matching HTTP_RESPONSE frame. Used
// only on the agent side of a Session; a server-side Session leaves this nil.
type RequestHandler func(req *Frame, reply func(resp *Frame))

// Session wraps one attached websocket connection: the inbound/outbound
// frame pumps, the pending-request correlation table, and heartbeat
// liveness. Grounded on original_source/api/tunnel_websocket.py's
// tunnel_connect handler (auth, loop, heartbeat task) and on
// share/client.go's connectionLoop/keepAliveLoop for the Go goroutine
// idiom, with asyncio.Future replaced by a buffered channel per pending id.
type Session struct {
	ShutdownHelper

	ws     *websocket.Conn
	clock  Clock
	cfg    SessionConfig

	onActivity func(time.Time)
	onRequest  RequestHandler

	outbound chan *Frame

	pendingMu sync.Mutex
	pending   map[string]chan *Frame

	missCount int32

	droppedResponses ConnStats

	metrics *Metrics
}

// NewSession wraps ws in a Session. onActivity, if non-nil, is invoked with
// the current time whenever a frame is observed in either direction (used by
// the registry to keep last-active current). onRequest, if non-nil, makes
// this a request-receiving (agent-side) session. metrics may be nil, in
// which case no Prometheus signals are reported (the agent side of a Session
// has no /metrics endpoint of its own).
func NewSession(logger Logger, ws *websocket.Conn, clock Clock, cfg SessionConfig, onActivity func(time.Time), onRequest RequestHandler, metrics *Metrics) *Session {
	s := &Session{
		ws:         ws,
		clock:      clock,
		cfg:        cfg,
		onActivity: onActivity,
		onRequest:  onRequest,
		outbound:   make(chan *Frame, cfg.OutboundQueueSize),
		pending:    make(map[string]chan *Frame),
		metrics:    metrics,
	}
	s.InitShutdownHelper(logger, s)
	return s
}

// HandleOnceShutdown closes the underlying websocket and fails every
// outstanding pending request with ErrSessionClosed.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.DLogf("session shutting down: %v", completionErr)
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		time.Now().Add(time.Second))
	_ = s.ws.Close()

	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	return completionErr
}

// Run starts the inbound pump, outbound pump, and heartbeat loop. It does
// not block; callers wait on WaitShutdown to observe termination.
func (s *Session) Run() error {
	return s.DoOnceActivate(func() error {
		s.ShutdownWG().Add(3)
		go s.inboundPump()
		go s.outboundPump()
		go s.heartbeatLoop()
		return nil
	}, true)
}

// Terminate implements SessionHandle: it schedules shutdown with an error
// carrying kind and message as the completion status. No CLOSE frame is
// sent; the peer sees a normal websocket close.
func (s *Session) Terminate(kind, message string) {
	s.StartShutdown(s.Errorf("%s: %s", kind, message))
}

// Enqueue places f on the outbound queue, blocking if the queue is full,
// until either it is accepted or the session finishes shutting down.
func (s *Session) Enqueue(f *Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.ShutdownDoneChan():
		return ErrSessionClosed
	}
}

// SendRequest sends req (an HTTP_REQUEST frame; a CorrelationID is assigned
// with uuid.NewString if req has none) and blocks until the matching HTTP_RESPONSE frame arrives,
// the deadline passes, ctx is cancelled, or the session closes. Grounded on
// original_source/api/proxy_handler.py's await-with-timeout pattern,
// reworked from asyncio.Future/asyncio.wait_for to a buffered channel and
// context/clock-driven select.
func (s *Session) SendRequest(ctx context.Context, req *Frame, deadline time.Time) (*Frame, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	ch := make(chan *Frame, 1)
	s.pendingMu.Lock()
	s.pending[req.CorrelationID] = ch
	s.pendingMu.Unlock()

	remove := func() {
		s.pendingMu.Lock()
		delete(s.pending, req.CorrelationID)
		s.pendingMu.Unlock()
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timeout = s.clock.After(deadline.Sub(s.clock.Now()))
	}

	// Enqueue is inlined here (rather than calling s.Enqueue) so a saturated
	// outbound queue still honors the caller's deadline/ctx instead of
	// blocking past it.
	select {
	case s.outbound <- req:
	case <-timeout:
		remove()
		return nil, ErrRequestTimeout
	case <-s.ShutdownDoneChan():
		remove()
		return nil, ErrSessionClosed
	case <-ctx.Done():
		remove()
		return nil, ctx.Err()
	}

	if s.onActivity != nil {
		s.onActivity(s.clock.Now())
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return resp, nil
	case <-timeout:
		remove()
		return nil, ErrRequestTimeout
	case <-s.ShutdownDoneChan():
		remove()
		return nil, ErrSessionClosed
	case <-ctx.Done():
		remove()
		return nil, ctx.Err()
	}
}

func (s *Session) inboundPump() {
	defer s.ShutdownWG().Done()
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.StartShutdown(s.DLogError("inbound read failed: ", err))
			return
		}
		if s.onActivity != nil {
			s.onActivity(s.clock.Now())
		}

		frame, err := DecodeFrame(raw, s.cfg.MaxFrameBytes)
		if err != nil {
			var ce *CodecError
			kind := "PROTOCOL"
			if errors.As(err, &ce) {
				kind = string(ce.Kind)
			}
			s.ELogf("frame decode failed: %s", err)
			s.Terminate(kind, err.Error())
			return
		}

		switch frame.Type {
		case FrameTypeResponse:
			s.completeResponse(frame)
		case FrameTypePong:
			atomic.StoreInt32(&s.missCount, 0)
		case FrameTypePing:
			_ = s.Enqueue(&Frame{Type: FrameTypePong, Tag: frame.Tag})
		case FrameTypeRequest:
			if s.onRequest == nil {
				s.Terminate("PROTOCOL", "unexpected request frame")
				return
			}
			go s.onRequest(frame, func(resp *Frame) {
				resp.CorrelationID = frame.CorrelationID
				resp.Type = FrameTypeResponse
				_ = s.Enqueue(resp)
			})
		case FrameTypeClose:
			s.DLogf("peer closed: %s %s", frame.Kind, frame.Message)
			s.StartShutdown(nil)
			return
		default:
			s.Terminate("PROTOCOL", "unexpected frame type on established session: "+string(frame.Type))
			return
		}
	}
}

func (s *Session) completeResponse(frame *Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[frame.CorrelationID]
	if ok {
		delete(s.pending, frame.CorrelationID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.droppedResponses.New()
		if s.metrics != nil {
			s.metrics.DroppedResponses.Inc()
		}
		s.DLogf("dropped late response for correlation id %s", frame.CorrelationID)
		return
	}
	ch <- frame
}

func (s *Session) outboundPump() {
	defer s.ShutdownWG().Done()
	for {
		select {
		case f := <-s.outbound:
			raw, err := EncodeFrame(f)
			if err != nil {
				s.ELogf("frame encode failed: %s", err)
				continue
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.StartShutdown(s.DLogError("outbound write failed: ", err))
				return
			}
			if s.onActivity != nil {
				s.onActivity(s.clock.Now())
			}
		case <-s.ShutdownHandlerDoneChan():
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.ShutdownWG().Done()
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			misses := atomic.AddInt32(&s.missCount, 1)
			if int(misses) > s.cfg.HeartbeatMissThreshold {
				if s.metrics != nil {
					s.metrics.HeartbeatMisses.Inc()
				}
				s.Terminate("HEARTBEAT_TIMEOUT", "peer missed too many heartbeats")
				return
			}
			_ = s.Enqueue(&Frame{Type: FrameTypePing, Tag: s.clock.Now().UnixNano()})
		case <-s.ShutdownHandlerDoneChan():
			return
		}
	}
}

// DroppedResponseCount returns the number of late/unmatched response frames
// observed by this session.
func (s *Session) DroppedResponseCount() int32 {
	return s.droppedResponses.TotalCount()
}
