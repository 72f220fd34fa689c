// Command server runs the opentunnel public server: the control plane,
// the transport endpoint, and the HTTP proxy pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sammck-go/opentunnel/internal/tunnel"
)

func main() {
	var debug bool
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg := tunnel.LoadServerConfig()
	if debug {
		cfg.LogLevel = tunnel.LogLevelDebug
	}

	logger := tunnel.NewLogger("opentunnel-server", cfg.LogLevel)
	clock := tunnel.NewRealClock()

	adminKeySource := tunnel.NewAdminKeySource(logger.Fork("admin-key"), cfg)
	defer adminKeySource.Close()

	metrics := tunnel.NewMetrics(prometheus.DefaultRegisterer)

	registry := tunnel.NewRegistry(logger.Fork("registry"), clock, tunnel.RegistryConfig{
		MaxTunnels:  cfg.MaxTunnels,
		IdleTimeout: cfg.IdleTimeout,
	}, metrics)

	sweep := tunnel.NewSweepScheduler(logger.Fork("sweep"), registry, clock, cfg.SweepInterval, metrics)
	if err := sweep.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start sweep scheduler: %s\n", err)
		os.Exit(1)
	}

	proxy := tunnel.NewProxyPipeline(registry, logger.Fork("proxy"), clock, tunnel.ProxyConfig{
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}, metrics)

	control := tunnel.NewControlPlane(registry, logger.Fork("control"), tunnel.DefaultControlConfig(cfg.APIKey, adminKeySource.Get))

	transport := tunnel.NewTransportHandler(registry, logger.Fork("transport"), clock, tunnel.SessionConfig{
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HeartbeatMissThreshold: cfg.HeartbeatMissThresh,
		MaxFrameBytes:          cfg.MaxFrameBytes,
		OutboundQueueSize:      256,
	}, metrics)

	mux := http.NewServeMux()
	mux.Handle("/health", tunnel.HealthHandler(registry, proxy, cfg.Environment))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/tunnel/connect/", transport)
	mux.Handle("/api/", control.Handler())
	mux.Handle("/", proxy)

	httpServer := tunnel.NewHTTPServer(logger.Fork("http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.APIPort
	logger.ILogf("listening on %s", addr)
	if err := httpServer.ListenAndServe(ctx, addr, mux); err != nil {
		logger.ELogf("server exited with error: %s", err)
		sweep.StartShutdown(err)
		os.Exit(1)
	}
	sweep.Shutdown(nil)
}
