package tunnel

import (
	"crypto/rand"
	"encoding/base32"
	"sync"
	"time"
)

// RegistryErrorKind enumerates registry operation failure reasons.
type RegistryErrorKind string

const (
	RegErrNotFound         RegistryErrorKind = "UNKNOWN_ID"
	RegErrBadToken         RegistryErrorKind = "BAD_TOKEN"
	RegErrAlreadyAttached  RegistryErrorKind = "ALREADY_ATTACHED"
	RegErrCapacityExceeded RegistryErrorKind = "CAPACITY_EXCEEDED"
)

// RegistryError is returned by registry operations that fail with a
// well-known kind the caller must branch on (see SPEC_FULL.md section 4.2).
type RegistryError struct {
	Kind RegistryErrorKind
}

func (e *RegistryError) Error() string { return string(e.Kind) }

// TunnelStatus is the lifecycle state of a tunnel descriptor, per the state
// machine in SPEC_FULL.md section 4.8.
type TunnelStatus string

const (
	TunnelStatusCreated    TunnelStatus = "created"
	TunnelStatusAttached   TunnelStatus = "attached"
	TunnelStatusTerminated TunnelStatus = "terminated"
)

// SessionHandle is the minimal surface the registry needs from a Transport
// Session: enough to detect an attached session's identity and to request
// its termination. *Session implements this.
type SessionHandle interface {
	Terminate(kind, message string)
}

// Tunnel is the registry's descriptor for one tunnel, grounded on
// original_source/tunnel/tunnel_manager.py's TunnelConnection.
type Tunnel struct {
	ID         string
	Name       string
	AuthToken  string
	Metadata   map[string]string
	CreatedAt  time.Time
	LastActive time.Time
	Status     TunnelStatus

	mu      sync.Mutex
	session SessionHandle
}

// Connected reports whether a session is currently attached.
func (t *Tunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil
}

// Snapshot is a point-in-time, lock-free copy of a Tunnel's public fields,
// safe to hand to control-plane JSON responses.
type Snapshot struct {
	ID         string            `json:"tunnel_id"`
	Name       string            `json:"name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
	Status     TunnelStatus      `json:"status"`
	Connected  bool              `json:"connected"`
}

func (t *Tunnel) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:         t.ID,
		Name:       t.Name,
		Metadata:   t.Metadata,
		CreatedAt:  t.CreatedAt,
		LastActive: t.LastActive,
		Status:     t.Status,
		Connected:  t.session != nil,
	}
}

// TunnelSpec describes a requested tunnel at creation time.
type TunnelSpec struct {
	Name     string
	Metadata map[string]string
}

// RegistryConfig holds the tunable defaults from SPEC_FULL.md section 5/6.
type RegistryConfig struct {
	MaxTunnels  int
	IdleTimeout time.Duration
}

// DefaultRegistryConfig returns the spec's stated defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxTunnels:  100,
		IdleTimeout: 120 * time.Second,
	}
}

// Registry is the process-wide keyed store of tunnel descriptors (section
// 4.2). Grounded on original_source/tunnel/tunnel_manager.py's TunnelManager,
// translated from asyncio.Lock + dict to sync.RWMutex + map.
type Registry struct {
	logger  Logger
	clock   Clock
	cfg     RegistryConfig
	metrics *Metrics

	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	evictions ConnStats
}

// NewRegistry creates an empty Registry. metrics may be nil, in which case
// no Prometheus signals are reported.
func NewRegistry(logger Logger, clock Clock, cfg RegistryConfig, metrics *Metrics) *Registry {
	return &Registry{
		logger:  logger,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
		tunnels: make(map[string]*Tunnel),
	}
}

// Create allocates a fresh id and attach token and inserts an unattached
// descriptor. Fails with CAPACITY_EXCEEDED once MaxTunnels is reached.
func (r *Registry) Create(spec TunnelSpec) (*Tunnel, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxTunnels > 0 && len(r.tunnels) >= r.cfg.MaxTunnels {
		return nil, "", &RegistryError{Kind: RegErrCapacityExceeded}
	}

	id, err := generateTunnelID(8)
	if err != nil {
		return nil, "", err
	}
	for r.tunnels[id] != nil {
		if id, err = generateTunnelID(8); err != nil {
			return nil, "", err
		}
	}
	token, err := generateAuthToken(32)
	if err != nil {
		return nil, "", err
	}

	now := r.clock.Now()
	t := &Tunnel{
		ID:         id,
		Name:       spec.Name,
		AuthToken:  token,
		Metadata:   spec.Metadata,
		CreatedAt:  now,
		LastActive: now,
		Status:     TunnelStatusCreated,
	}
	r.tunnels[id] = t
	r.logger.ILogf("tunnel %s created", id)
	return t, token, nil
}

// Attach validates token and installs session as the tunnel's sole attached
// session. Rejects a concurrent attach rather than silently replacing it.
func (r *Registry) Attach(id, token string, session SessionHandle) (*Tunnel, error) {
	r.mu.RLock()
	t, ok := r.tunnels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{Kind: RegErrNotFound}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AuthToken != token {
		return nil, &RegistryError{Kind: RegErrBadToken}
	}
	if t.session != nil {
		return nil, &RegistryError{Kind: RegErrAlreadyAttached}
	}
	t.session = session
	t.Status = TunnelStatusAttached
	t.LastActive = r.clock.Now()
	if r.metrics != nil {
		r.metrics.ActiveTunnels.Inc()
	}
	r.logger.ILogf("tunnel %s attached", id)
	return t, nil
}

// Detach clears the attached session if it matches session, so a stale
// detach from a superseded connection cannot clobber a newer one. Idempotent.
func (r *Registry) Detach(id string, session SessionHandle) {
	r.mu.RLock()
	t, ok := r.tunnels[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == session {
		t.session = nil
		if r.metrics != nil {
			r.metrics.ActiveTunnels.Dec()
		}
		r.logger.ILogf("tunnel %s detached", id)
	}
}

// Delete removes the descriptor and terminates any attached session.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()
	if !ok {
		return &RegistryError{Kind: RegErrNotFound}
	}

	t.mu.Lock()
	t.Status = TunnelStatusTerminated
	sess := t.session
	t.session = nil
	t.mu.Unlock()

	if sess != nil {
		if r.metrics != nil {
			r.metrics.ActiveTunnels.Dec()
		}
		sess.Terminate("ADMIN_DELETE", "tunnel deleted by operator")
	}
	r.logger.ILogf("tunnel %s deleted", id)
	return nil
}

// Lookup returns the tunnel for id, if any.
func (r *Registry) Lookup(id string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// List returns a point-in-time snapshot of every tunnel.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(tunnels))
	for i, t := range tunnels {
		out[i] = t.snapshot()
	}
	return out
}

// Touch updates last-activity for id to now; called on every inbound or
// outbound frame observed on an attached session (section 3, invariant c).
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.RLock()
	t, ok := r.tunnels[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.LastActive = now
	t.mu.Unlock()
}

// Sweep removes descriptors that are unattached and idle past cfg.IdleTimeout.
func (r *Registry) Sweep(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, t := range r.tunnels {
		t.mu.Lock()
		idle := t.session == nil && now.Sub(t.LastActive) > r.cfg.IdleTimeout
		t.mu.Unlock()
		if idle {
			delete(r.tunnels, id)
			evicted++
			r.evictions.New()
		}
	}
	if evicted > 0 {
		r.logger.DLogf("sweep evicted %d idle tunnel(s)", evicted)
	}
	return evicted
}

// EvictionCount returns the total number of tunnels ever evicted by Sweep.
func (r *Registry) EvictionCount() int32 {
	return r.evictions.TotalCount()
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func generateTunnelID(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, v := range b {
		out[i] = idAlphabet[int(v)%len(idAlphabet)]
	}
	return string(out), nil
}

func generateAuthToken(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
}
