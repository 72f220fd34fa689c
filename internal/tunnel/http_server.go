package tunnel

import (
	"context"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
)

// HTTPServer wraps net/http.Server with ShutdownHelper-driven graceful
// shutdown and optional request logging. Grounded on share/http_server.go.
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer bound to logger.
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown closes the listener once, as required by ShutdownHelper.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener != nil {
		if err := h.listener.Close(); err != nil {
			h.DLogf("http server: close of listener failed, ignoring: %s", err)
		}
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on addr using handler, wrapping it with
// request logging (share/server.go's own Run wraps its handler the same way)
// when debug logging is enabled. Returns once the server has shut down,
// either via Shutdown()/Close() or ctx cancellation.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	if h.GetLogLevel() >= LogLevelDebug {
		handler = requestlog.Wrap(handler)
	}

	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l

			go func() {
				h.Shutdown(h.Serve(l))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown tears the server down and returns the final completion status.
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close tears the server down and returns the final completion status.
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
