// Command agent connects to an opentunnel server and exposes a local HTTP
// service through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrew-d/go-termutil"

	"github.com/sammck-go/opentunnel/internal/agentapp"
	"github.com/sammck-go/opentunnel/internal/tunnel"
)

func main() {
	cfg := agentapp.DefaultConfig()

	var debug bool
	flag.StringVar(&cfg.ServerURL, "server", os.Getenv("TUNNEL_SERVER"), "opentunnel server base URL")
	flag.StringVar(&cfg.OperatorKey, "api-key", os.Getenv("TUNNEL_API_KEY"), "operator credential for tunnel creation")
	flag.StringVar(&cfg.TunnelID, "tunnel-id", "", "reconnect to an existing tunnel id (requires -auth-token)")
	flag.StringVar(&cfg.AuthToken, "auth-token", "", "attach token for -tunnel-id")
	flag.StringVar(&cfg.TunnelName, "name", "", "human-readable tunnel name")
	flag.StringVar(&cfg.LocalOrigin, "local", "http://127.0.0.1:8000", "local origin to proxy requests to")
	flag.IntVar(&cfg.MaxRetryCount, "max-retry-count", -1, "give up after this many reconnect attempts (-1 or 0 = unlimited)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if cfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "opentunnel-agent: -server is required")
		os.Exit(1)
	}

	logLevel := tunnel.LogLevelInfo
	if debug {
		logLevel = tunnel.LogLevelDebug
	}
	logger := tunnel.NewLogger("opentunnel-agent", logLevel)

	printBanner(cfg)

	agent := agentapp.NewAgent(logger, tunnel.NewRealClock(), cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		logger.ELogf("agent failed to start: %s", err)
		os.Exit(1)
	}

	if err := agent.WaitShutdown(); err != nil && err != context.Canceled {
		logger.ELogf("agent exited with error: %s", err)
		os.Exit(1)
	}
}

// printBanner prints a short connection summary, colorized only when stdout
// is a real terminal (go-termutil.Isatty), matching the corpus's
// cautious-colorize-only-a-tty convention.
func printBanner(cfg agentapp.Config) {
	msg := fmt.Sprintf("opentunnel agent connecting to %s -> %s", cfg.ServerURL, cfg.LocalOrigin)
	if termutil.Isatty(os.Stdout.Fd()) {
		const green, reset = "\x1b[32m", "\x1b[0m"
		fmt.Fprintln(os.Stdout, green+msg+reset)
	} else {
		fmt.Fprintln(os.Stdout, msg)
	}
}
