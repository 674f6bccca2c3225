// Package registry implements the Connection Registry (spec.md §4.3): one
// live WebSocket session per authenticated user, with liveness checking.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the subset of a gateway session the registry needs to manage
// liveness and delivery without depending on the transport library. The
// concrete implementation is session.Session (internal/session), which wraps
// a gobwas/ws connection.
type Conn interface {
	UserID() string
	// Send enqueues msg for delivery; returns false if the connection is
	// closed or the send would have blocked (backpressure, spec.md §4.4).
	Send(msg []byte) bool
	// Close sends a close frame with the given code/reason and tears the
	// connection down.
	Close(code uint16, reason string)
	// Ping issues an application- or transport-level ping.
	Ping()
	SetAlive(bool)
	IsAlive() bool
}

// Registry tracks the single live connection per user. Readers (fan-out,
// heartbeat) iterate snapshots; only the owning session's writer replaces
// its own entry, so a single map protected by one mutex suffices.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn

	logger zerolog.Logger
}

// New returns an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger.With().Str("component", "connection_registry").Logger(),
	}
}

// Add registers conn as the canonical connection for userID. If the user
// already has a live connection it is sent a 1000/"superseded" close frame
// before being replaced; the new connection remains canonical (spec.md §4.3).
func (r *Registry) Add(conn Conn) {
	userID := conn.UserID()

	r.mu.Lock()
	old, exists := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if exists {
		r.logger.Info().Str("user_id", userID).Msg("superseding existing connection")
		old.Close(1000, "superseded")
	}
}

// Remove drops conn from the registry only if it is still the canonical
// connection for its user (a superseded connection's own cleanup must not
// evict the connection that replaced it), and triggers unsubscribeAll via
// onRemoved.
func (r *Registry) Remove(conn Conn, onRemoved func(userID string)) {
	userID := conn.UserID()

	r.mu.Lock()
	current, ok := r.conns[userID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if removed && onRemoved != nil {
		onRemoved(userID)
	}
}

// Get returns the canonical connection for userID, if any.
func (r *Registry) Get(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// SendTo delivers msg to userID's connection. Returns false if there is no
// live connection or the send was dropped.
func (r *Registry) SendTo(userID string, msg []byte) bool {
	conn, ok := r.Get(userID)
	if !ok {
		return false
	}
	return conn.Send(msg)
}

// Broadcast sends msg to every registered connection. Individual failures
// are logged but never abort the iteration (spec.md §4.3).
func (r *Registry) Broadcast(msg []byte) {
	for _, conn := range r.snapshot() {
		if !conn.Send(msg) {
			r.logger.Debug().Str("user_id", conn.UserID()).Msg("broadcast send dropped")
		}
	}
}

// Snapshot returns every currently registered connection, for callers that
// need to run a periodic sweep over live sessions (e.g. cooldown GC).
func (r *Registry) Snapshot() []Conn {
	return r.snapshot()
}

func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// CloseAll sends every live connection a close frame with the given
// code/reason, for graceful shutdown (spec.md §4.7). It does not remove
// entries from the registry; callers are tearing the whole process down.
func (r *Registry) CloseAll(code uint16, reason string) {
	for _, conn := range r.snapshot() {
		conn.Close(code, reason)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RunLiveness runs the 30s (default) liveness sweep described in spec.md
// §4.3 until stop is closed: connections whose alive flag is false are
// force-terminated and removed; otherwise the flag is cleared and a ping is
// issued. It blocks, so callers run it in its own goroutine.
func (r *Registry) RunLiveness(stop <-chan struct{}, interval time.Duration, onRemoved func(userID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, conn := range r.snapshot() {
				if !conn.IsAlive() {
					r.logger.Warn().Str("user_id", conn.UserID()).Msg("connection failed liveness check")
					conn.Close(1000, "liveness timeout")
					r.Remove(conn, onRemoved)
					continue
				}
				conn.SetAlive(false)
				conn.Ping()
			}
		}
	}
}
