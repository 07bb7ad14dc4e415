package server

import (
	"log/slog"
	"sync"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// Conn is a live push connection. Implementations must make Send safe for
// concurrent use; the registry may call it from any broadcasting goroutine.
type Conn interface {
	// ID uniquely identifies the connection within the process.
	ID() string

	// SessionID is the session this connection is attached to.
	SessionID() string

	// Send delivers one envelope to the client.
	Send(msg *protocol.Message) error

	// Close tears down the transport.
	Close() error
}

// Registry tracks live connections grouped by session. Broadcast snapshots
// the connection set before iterating so that eviction during iteration is
// safe, and a failing connection is evicted without affecting delivery to
// the rest.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Conn
	logger   *slog.Logger

	onEvict func(Conn)
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]map[string]Conn),
		logger:   logger.With("component", "registry"),
	}
}

// OnEvict sets a callback invoked after a connection is evicted for a send
// failure. Used for metrics.
func (r *Registry) OnEvict(fn func(Conn)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Register adds conn to its session's connection set.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.sessions[conn.SessionID()]
	if !ok {
		conns = make(map[string]Conn)
		r.sessions[conn.SessionID()] = conns
	}
	conns[conn.ID()] = conn
}

// Unregister removes conn, reporting whether it was present. Removing an
// unknown (or already evicted) connection is a no-op.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(conn)
}

// remove deletes conn from its session set. Caller holds r.mu.
func (r *Registry) remove(conn Conn) bool {
	conns, ok := r.sessions[conn.SessionID()]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.sessions, conn.SessionID())
	}
	return true
}

// Broadcast pushes msg to every live connection for the session. Send
// failures evict the failing connection and are logged, never propagated;
// one bad connection must not block fan-out to the rest.
func (r *Registry) Broadcast(sessionID string, msg *protocol.Message) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.sessions[sessionID]))
	for _, conn := range r.sessions[sessionID] {
		conns = append(conns, conn)
	}
	onEvict := r.onEvict
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			r.logger.Warn("evicting connection after send failure",
				"conn_id", conn.ID(),
				"session_id", sessionID,
				"error", err)
			r.mu.Lock()
			removed := r.remove(conn)
			r.mu.Unlock()
			conn.Close()
			if removed && onEvict != nil {
				onEvict(conn)
			}
		}
	}
}

// ConnCount returns the number of live connections for the session.
func (r *Registry) ConnCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// TotalConns returns the number of live connections across all sessions.
func (r *Registry) TotalConns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, conns := range r.sessions {
		total += len(conns)
	}
	return total
}

// CloseAll closes and removes every tracked connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]Conn, 0)
	for _, conns := range r.sessions {
		for _, conn := range conns {
			all = append(all, conn)
		}
	}
	r.sessions = make(map[string]map[string]Conn)
	r.mu.Unlock()

	for _, conn := range all {
		conn.Close()
	}
}
