package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/benrben/agentpriinter/pkg/devtools"
	"github.com/benrben/agentpriinter/pkg/history"
	"github.com/benrben/agentpriinter/pkg/limiter"
	"github.com/benrben/agentpriinter/pkg/protocol"
)

// Manager is the coordinating service for message delivery. It owns the
// connection registry, the history store, the patch coalescer, the stream
// subscriber set, and the rate limiters. Every server-originated message
// passes through Broadcast, which assigns the sequence number via the
// history store before any transport sees the message.
type Manager struct {
	config   *Config
	history  history.Store
	registry *Registry
	actions  *ActionRouter
	metrics  *Metrics
	devtools *devtools.Panel
	logger   *slog.Logger

	// msgLimiter admits inbound application messages per connection;
	// connLimiter admits connection attempts per remote address. Same
	// algorithm, independent keys and budgets.
	msgLimiter  *limiter.RateLimiter
	connLimiter *limiter.RateLimiter

	coalescer *Coalescer

	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscriber
	closed      bool
}

// ManagerOptions carries the injectable collaborators for a Manager.
type ManagerOptions struct {
	// History backs replay and polling. Default: a fresh in-memory store.
	History history.Store

	// Registerer receives the Prometheus metrics. Default: the global
	// registerer.
	Registerer prometheus.Registerer

	// DevTools, when set, receives a copy of every delivery and error.
	DevTools *devtools.Panel

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// NewManager creates a Manager with the given configuration.
func NewManager(config *Config, opts *ManagerOptions) *Manager {
	config = config.withDefaults()
	if opts == nil {
		opts = &ManagerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.History
	if store == nil {
		store = history.NewMemoryStore(logger)
	}

	metrics := NewMetrics(opts.Registerer)
	m := &Manager{
		config:      config,
		history:     store,
		registry:    NewRegistry(logger),
		metrics:     metrics,
		devtools:    opts.DevTools,
		logger:      logger.With("component", "manager"),
		msgLimiter:  limiter.NewRateLimiter(config.MessageRate, config.MessageWindow),
		connLimiter: limiter.NewRateLimiter(config.ConnRate, config.ConnWindow),
		subscribers: make(map[string]map[string]*Subscriber),
	}
	m.actions = NewActionRouter(logger, metrics)
	m.coalescer = NewCoalescer(config.DebounceWindow, m.deliver, logger)
	m.registry.OnEvict(func(Conn) {
		metrics.ConnectionsEvicted.Inc()
		metrics.ConnectionsActive.Dec()
	})
	return m
}

// Actions returns the action router for handler registration.
func (m *Manager) Actions() *ActionRouter {
	return m.actions
}

// History returns the backing history store.
func (m *Manager) History() history.Store {
	return m.history
}

// Config returns the effective configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// Metrics returns the Prometheus instruments.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// DevTools returns the attached panel, which may be nil.
func (m *Manager) DevTools() *devtools.Panel {
	return m.devtools
}

// Broadcast routes a server-originated message toward the session named in
// its header. Patch messages are buffered by the coalescer; everything else
// is sequenced and fanned out immediately.
func (m *Manager) Broadcast(msg *protocol.Message) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	if msg.IsPatch() {
		m.metrics.PatchesCoalesced.Inc()
		m.coalescer.Add(msg.Session(), msg)
		return nil
	}
	m.deliver(msg.Session(), msg)
	return nil
}

// deliver appends msg to the session's history, which assigns the sequence
// number, then pushes it to live connections and stream subscribers. Seq
// assignment happens first so replay after reconnect never has a gap
// relative to what was pushed live.
func (m *Manager) deliver(sessionID string, msg *protocol.Message) {
	seq, err := m.history.Append(sessionID, msg)
	if err != nil {
		m.logger.Error("history append failed, message not delivered",
			"session_id", sessionID,
			"type", msg.Type,
			"error", err)
		return
	}

	m.metrics.MessagesBroadcast.WithLabelValues(msg.Type).Inc()
	m.devtools.LogMessage(sessionID, msg.Type, seq)

	m.registry.Broadcast(sessionID, msg)
	m.fanoutStreams(sessionID, msg)
}

// fanoutStreams offers msg to every stream subscriber of the session. A
// full queue drops the message for that subscriber; it catches up via poll
// or resume, both of which read from history.
func (m *Manager) fanoutStreams(sessionID string, msg *protocol.Message) {
	m.mu.RLock()
	subs := make([]*Subscriber, 0, len(m.subscribers[sessionID]))
	for _, sub := range m.subscribers[sessionID] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		if !sub.queue.Enqueue(msg) {
			m.metrics.MessagesDropped.WithLabelValues("stream").Inc()
			m.logger.Warn("stream subscriber queue full, dropping",
				"subscriber_id", sub.id,
				"session_id", sessionID,
				"seq", msg.Header.Seq)
		}
	}
}

// Subscriber is a server-push stream consumer with a bounded queue between
// the broadcasting goroutine and the slow HTTP writer.
type Subscriber struct {
	id        string
	sessionID string
	queue     *limiter.Queue[*protocol.Message]
}

// ID returns the subscriber identity.
func (s *Subscriber) ID() string { return s.id }

// Next blocks up to timeout for the next message. The second result is
// false on timeout or context cancellation, which the stream handler uses
// to interleave keepalives and to notice departed clients.
func (s *Subscriber) Next(ctx context.Context, timeout time.Duration) (*protocol.Message, bool) {
	return s.queue.Dequeue(ctx, timeout)
}

// Depth reports the queued backlog.
func (s *Subscriber) Depth() int { return s.queue.Depth() }

// Subscribe attaches a new stream subscriber to the session.
func (m *Manager) Subscribe(sessionID string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	sub := &Subscriber{
		id:        uuid.NewString(),
		sessionID: sessionID,
		queue:     limiter.NewQueue[*protocol.Message](m.config.QueueSize),
	}
	subs, ok := m.subscribers[sessionID]
	if !ok {
		subs = make(map[string]*Subscriber)
		m.subscribers[sessionID] = subs
	}
	subs[sub.id] = sub
	m.metrics.StreamSubscribers.Inc()
	return sub, nil
}

// Unsubscribe detaches a stream subscriber and tears down its queue.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	subs, ok := m.subscribers[sub.sessionID]
	if ok {
		if _, live := subs[sub.id]; live {
			delete(subs, sub.id)
			m.metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, sub.sessionID)
		}
	}
	m.mu.Unlock()
	sub.queue.Close()
}

// Attach registers a live push connection.
func (m *Manager) Attach(conn Conn) {
	m.registry.Register(conn)
	m.metrics.ConnectionsTotal.Inc()
	m.metrics.ConnectionsActive.Inc()
}

// Detach removes a connection from the registry and releases its rate
// bucket. A connection already evicted for a send failure was accounted
// for at eviction time.
func (m *Manager) Detach(conn Conn) {
	if m.registry.Unregister(conn) {
		m.metrics.ConnectionsActive.Dec()
	}
	m.msgLimiter.Reset(conn.ID())
}

// AllowConnection admits or denies a connection attempt from addr.
func (m *Manager) AllowConnection(addr string) bool {
	if m.connLimiter.Allow(addr) {
		return true
	}
	m.metrics.RateLimited.WithLabelValues("connection").Inc()
	return false
}

// AllowMessage admits or denies an inbound message for the connection
// identity, returning the remaining quota on denial.
func (m *Manager) AllowMessage(connID string) (bool, int) {
	if m.msgLimiter.Allow(connID) {
		return true, 0
	}
	m.metrics.RateLimited.WithLabelValues("message").Inc()
	return false, m.msgLimiter.Remaining(connID)
}

// Close shuts down delivery: pending patches flush, live connections close,
// subscribers drain and stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Subscriber, 0)
	for _, bySession := range m.subscribers {
		for _, sub := range bySession {
			subs = append(subs, sub)
		}
	}
	m.subscribers = make(map[string]map[string]*Subscriber)
	m.mu.Unlock()

	m.coalescer.Close()
	m.registry.CloseAll()
	for _, sub := range subs {
		sub.queue.Close()
	}
	return m.history.Close()
}
