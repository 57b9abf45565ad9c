package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSubdomainTaken reports a connect attempt for a subdomain that already
// has a live tunnel. The existing tunnel wins; the new one is refused.
var ErrSubdomainTaken = errors.New("subdomain already has an active tunnel")

// Tunnel is one live control channel, keyed by subdomain.
type Tunnel struct {
	Subdomain   string
	ProjectID   string
	AgentID     string
	Conn        Connection
	Pending     sync.Map // request ID -> *PendingRequest
	ConnectedAt time.Time

	mu            sync.RWMutex
	lastHeartbeat time.Time
}

// NewTunnel creates a tunnel record for a freshly upgraded connection.
func NewTunnel(subdomain, projectID, agentID string, conn Connection) *Tunnel {
	now := time.Now()
	return &Tunnel{
		Subdomain:     subdomain,
		ProjectID:     projectID,
		AgentID:       agentID,
		Conn:          conn,
		ConnectedAt:   now,
		lastHeartbeat: now,
	}
}

// UpdateHeartbeat stamps the tunnel as alive. Called from the ping and
// pong handlers.
func (t *Tunnel) UpdateHeartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the most recent liveness stamp.
func (t *Tunnel) LastHeartbeat() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastHeartbeat
}

// DeliverResponse routes a response frame to its waiting request. The
// send never blocks: if the waiter already gave up, the frame is dropped.
func (t *Tunnel) DeliverResponse(resp *ResponseFrame) bool {
	val, ok := t.Pending.Load(resp.RequestID)
	if !ok {
		return false
	}
	entry := val.(*PendingRequest)
	select {
	case entry.ResponseCh <- resp:
		return true
	default:
		return false
	}
}

// FailPending unblocks every in-flight request with a nil response so
// waiters can answer 502 instead of riding out their timeout.
func (t *Tunnel) FailPending() {
	t.Pending.Range(func(key, val any) bool {
		entry := val.(*PendingRequest)
		select {
		case entry.ResponseCh <- nil:
		default:
		}
		t.Pending.Delete(key)
		return true
	})
}

// SweepPending evicts pending entries older than maxAge and returns how
// many were dropped. Entries normally delete themselves when the waiter
// returns; this catches the ones that leaked.
func (t *Tunnel) SweepPending(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	evicted := 0
	t.Pending.Range(func(key, val any) bool {
		entry := val.(*PendingRequest)
		if entry.CreatedAt.Before(cutoff) {
			select {
			case entry.ResponseCh <- nil:
			default:
			}
			t.Pending.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// Close fails outstanding requests and closes the connection.
func (t *Tunnel) Close() error {
	t.FailPending()
	return t.Conn.Close()
}

// Registry tracks live tunnels by subdomain.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	sweepDone chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		tunnels:   make(map[string]*Tunnel),
		sweepDone: make(chan struct{}),
	}
}

// Register adds a tunnel. It fails with ErrSubdomainTaken when the
// subdomain already has one; reconnects must wait for the old tunnel to
// drop off first.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[t.Subdomain]; exists {
		return ErrSubdomainTaken
	}
	r.tunnels[t.Subdomain] = t
	slog.Info("tunnel registered",
		"subdomain", t.Subdomain,
		"project_id", t.ProjectID)
	return nil
}

// Unregister removes t if it is still the registered tunnel for its
// subdomain, then fails its pending requests and closes it. The identity
// check keeps a slow-dying tunnel from evicting its replacement.
func (r *Registry) Unregister(t *Tunnel) {
	r.mu.Lock()
	if cur, ok := r.tunnels[t.Subdomain]; ok && cur == t {
		delete(r.tunnels, t.Subdomain)
		slog.Info("tunnel unregistered",
			"subdomain", t.Subdomain,
			"project_id", t.ProjectID)
	}
	r.mu.Unlock()

	t.FailPending()
	_ = t.Conn.Close()
}

// Get returns the live tunnel for a subdomain.
func (r *Registry) Get(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Subdomains lists the subdomains with a live tunnel.
func (r *Registry) Subdomains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]string, 0, len(r.tunnels))
	for sub := range r.tunnels {
		subs = append(subs, sub)
	}
	return subs
}

// Len returns the number of live tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// SweepPending evicts aged pending entries across all tunnels.
func (r *Registry) SweepPending(maxAge time.Duration) int {
	total := 0
	for _, t := range r.snapshot() {
		total += t.SweepPending(maxAge)
	}
	return total
}

// CloseAll drops every tunnel, failing their in-flight requests. Used on
// shutdown.
func (r *Registry) CloseAll() {
	for _, t := range r.snapshot() {
		r.Unregister(t)
	}
}

func (r *Registry) snapshot() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	return tunnels
}

// StartSweeper periodically evicts leaked pending entries until ctx is
// canceled.
func (r *Registry) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := r.SweepPending(maxAge); evicted > 0 {
					slog.Info("evicted stale pending tunnel requests", "count", evicted)
				}
			}
		}
	}()
}

// WaitForSweeper blocks until the sweeper goroutine exits or ctx expires.
func (r *Registry) WaitForSweeper(ctx context.Context) {
	select {
	case <-r.sweepDone:
	case <-ctx.Done():
	}
}
