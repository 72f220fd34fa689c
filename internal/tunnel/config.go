package tunnel

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// ServerConfig is the full set of tunables for cmd/server, loaded from
// environment variables (optionally via a .env file) per SPEC_FULL.md
// section 6. Grounded on brahmatzadeh-global-tunnel-server/server/main.go's
// use of github.com/joho/godotenv for the same purpose.
type ServerConfig struct {
	APIPort              string
	APIKey               string
	AdminKey             string
	AdminKeyFile         string
	RequestTimeout       time.Duration
	MaxTunnels           int
	HeartbeatInterval    time.Duration
	HeartbeatMissThresh  int
	SweepInterval        time.Duration
	IdleTimeout          time.Duration
	MaxFrameBytes        int
	MaxBodyBytes         int64
	LogLevel             LogLevel
	Environment          string
}

// LoadServerConfig reads a .env file (if present, ignored if absent) and then
// the environment, applying the spec's defaults for anything unset.
func LoadServerConfig() ServerConfig {
	_ = godotenv.Load()

	return ServerConfig{
		APIPort:             envOr("TUNNEL_API_PORT", "8080"),
		APIKey:              os.Getenv("TUNNEL_API_KEY"),
		AdminKey:            os.Getenv("TUNNEL_ADMIN_KEY"),
		AdminKeyFile:        os.Getenv("TUNNEL_ADMIN_KEY_FILE"),
		RequestTimeout:      envSeconds("TUNNEL_REQUEST_TIMEOUT_SECONDS", 30),
		MaxTunnels:          envInt("TUNNEL_MAX_TUNNELS", 100),
		HeartbeatInterval:   envSeconds("TUNNEL_HEARTBEAT_INTERVAL_SECONDS", 10),
		HeartbeatMissThresh: envInt("TUNNEL_HEARTBEAT_MISS_THRESHOLD", 3),
		SweepInterval:       envSeconds("TUNNEL_SWEEP_INTERVAL_SECONDS", 60),
		IdleTimeout:         envSeconds("TUNNEL_IDLE_TIMEOUT_SECONDS", 120),
		MaxFrameBytes:       envInt("TUNNEL_MAX_FRAME_BYTES", DefaultMaxFrameBytes),
		MaxBodyBytes:        int64(envInt("TUNNEL_MAX_BODY_BYTES", 10*1024*1024)),
		LogLevel:            StringToLogLevel(envOr("TUNNEL_LOG_LEVEL", "info")),
		Environment:         envOr("TUNNEL_ENVIRONMENT", "development"),
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(name string, defSeconds int) time.Duration {
	return time.Duration(envInt(name, defSeconds)) * time.Second
}

// AdminKeySource serves the current admin key, optionally hot-reloaded from
// AdminKeyFile via fsnotify so an operator can rotate it without a restart
// (section 2.1). When AdminKeyFile is empty, it always returns the static
// AdminKey from config.
type AdminKeySource struct {
	logger  Logger
	static  string
	current atomic.Value
	watcher *fsnotify.Watcher
}

// NewAdminKeySource builds an AdminKeySource from cfg. If cfg.AdminKeyFile is
// set, it is read once immediately and then watched for changes; otherwise
// cfg.AdminKey is used as a fixed value.
func NewAdminKeySource(logger Logger, cfg ServerConfig) *AdminKeySource {
	a := &AdminKeySource{logger: logger, static: cfg.AdminKey}
	a.current.Store(cfg.AdminKey)

	if cfg.AdminKeyFile == "" {
		return a
	}

	a.reloadFile(cfg.AdminKeyFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WLogf("admin key file watch disabled: %s", err)
		return a
	}
	a.watcher = watcher
	if err := watcher.Add(cfg.AdminKeyFile); err != nil {
		logger.WLogf("admin key file watch disabled: %s", err)
		return a
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				a.reloadFile(cfg.AdminKeyFile)
			}
		}
	}()

	return a
}

func (a *AdminKeySource) reloadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.WLogf("failed to read admin key file %s: %s", path, err)
		return
	}
	a.current.Store(trimNewline(string(data)))
	a.logger.ILogf("admin key reloaded from %s", path)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Get returns the current admin key.
func (a *AdminKeySource) Get() string {
	v, _ := a.current.Load().(string)
	return v
}

// Close stops the underlying file watcher, if any.
func (a *AdminKeySource) Close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
}
