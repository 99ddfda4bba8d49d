package broadcast

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("loanops.broadcast")

// Filter selects the envelopes a connection receives. A QueryID restricts
// the connection to one record; otherwise Team must be in the audience
// unless AllTeams is set. Heartbeats reach every connection.
type Filter struct {
	QueryID  string
	Team     string
	AllTeams bool
}

func (f Filter) match(env Envelope) bool {
	if env.Type == TypeHeartbeat {
		return true
	}
	if f.QueryID != "" {
		return env.IsolationKey == IsolationKey(f.QueryID)
	}
	if f.AllTeams || len(env.Audience) == 0 {
		return true
	}
	return set.NewStrings(env.Audience...).Contains(strings.ToLower(f.Team))
}

type Connection struct {
	ID       string
	filter   Filter
	send     chan []byte
	done     chan struct{}
	lastPing time.Time
}

// Frames yields the SSE frames queued for this connection.
func (c *Connection) Frames() <-chan []byte { return c.send }

// Done is closed once the registry drops the connection.
func (c *Connection) Done() <-chan struct{} { return c.done }

type RegistryConfig struct {
	Clock       clock.Clock
	Buffer      int
	DedupWindow time.Duration
	Metrics     *Metrics
}

// Registry tracks the SSE connections open on this instance.
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	buffer  int
	window  time.Duration
	metrics *Metrics
	conns   map[string]*Connection
	recent  map[string]time.Time
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 2 * time.Second
	}
	return &Registry{
		clock:   cfg.Clock,
		buffer:  cfg.Buffer,
		window:  cfg.DedupWindow,
		metrics: cfg.Metrics,
		conns:   make(map[string]*Connection),
		recent:  make(map[string]time.Time),
	}
}

func (r *Registry) Register(filter Filter) *Connection {
	conn := &Connection{
		ID:     uuid.NewString(),
		filter: filter,
		send:   make(chan []byte, r.buffer),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.lastPing = r.clock.Now()
	r.conns[conn.ID] = conn
	r.metrics.setConnections(len(r.conns))
	return conn
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id, "closed")
}

// Touch records a successful write to the connection.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.lastPing = r.clock.Now()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Deliver queues env on every matching connection except exclude and returns
// how many connections accepted it. Connections whose buffer is full are
// dropped. Envelopes repeating a dedup key inside the window are skipped.
func (r *Registry) Deliver(env Envelope, exclude string) int {
	frame, err := Frame(env)
	if err != nil {
		logger.Errorf("encode %s envelope: %v", env.Type, err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if env.DedupKey != "" {
		r.pruneRecentLocked(now)
		if seen, ok := r.recent[env.DedupKey]; ok && now.Sub(seen) < r.window {
			r.metrics.suppress()
			return 0
		}
		r.recent[env.DedupKey] = now
	}

	delivered := 0
	for id, conn := range r.conns {
		if id == exclude || !conn.filter.match(env) {
			continue
		}
		select {
		case conn.send <- frame:
			delivered++
		default:
			logger.Warningf("dropping connection %s: send buffer full", id)
			r.removeLocked(id, "overflow")
		}
	}
	r.metrics.delivered(delivered)
	return delivered
}

// Heartbeat queues a heartbeat frame on every connection.
func (r *Registry) Heartbeat() int {
	return r.Deliver(Envelope{Type: TypeHeartbeat, Timestamp: r.clock.Now().UTC()}, "")
}

// Sweep drops connections whose last successful write is older than staleAfter.
func (r *Registry) Sweep(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-staleAfter)
	var removed []string
	for id, conn := range r.conns {
		if conn.lastPing.Before(cutoff) {
			r.removeLocked(id, "stale")
			removed = append(removed, id)
		}
	}
	return removed
}

// Close drops every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.conns {
		r.removeLocked(id, "shutdown")
	}
}

func (r *Registry) removeLocked(id, reason string) {
	conn, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	close(conn.done)
	r.metrics.evicted(reason)
	r.metrics.setConnections(len(r.conns))
}

func (r *Registry) pruneRecentLocked(now time.Time) {
	for key, seen := range r.recent {
		if now.Sub(seen) >= r.window {
			delete(r.recent, key)
		}
	}
}
