package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// DefaultDebounceWindow is how long the coalescer waits for further patches
// before flushing a session's pending buffer.
const DefaultDebounceWindow = 50 * time.Millisecond

// Coalescer collapses bursts of patch messages per session within a debounce
// window into a single delivered message, trading latency for message volume.
//
// Timer semantics are cancel-replace: each session holds at most one
// outstanding flush, and a new patch replaces it. A fired-but-stale timer is
// a guaranteed no-op, checked against a monotonic generation counter
// rather than by coincidence of an empty buffer.
type Coalescer struct {
	window time.Duration
	flush  func(sessionID string, msg *protocol.Message)
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingFlush
	closed  bool
}

type pendingFlush struct {
	msgs  []*protocol.Message
	timer *time.Timer
	gen   uint64
}

// NewCoalescer creates a coalescer that delivers flushed messages through
// flush. window <= 0 uses DefaultDebounceWindow.
func NewCoalescer(window time.Duration, flush func(sessionID string, msg *protocol.Message), logger *slog.Logger) *Coalescer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		window:  window,
		flush:   flush,
		logger:  logger.With("component", "coalescer"),
		pending: make(map[string]*pendingFlush),
	}
}

// Add buffers a patch message for the session and (re)arms its flush timer.
// The previous timer, if any, is cancelled and will not flush.
func (c *Coalescer) Add(sessionID string, msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	p, ok := c.pending[sessionID]
	if !ok {
		p = &pendingFlush{}
		c.pending[sessionID] = p
	}
	p.msgs = append(p.msgs, msg)
	if p.timer != nil {
		p.timer.Stop()
	}
	// The generation counter is coalescer-wide and never resets, so a stale
	// timer from a deleted entry can never collide with a recreated one.
	c.gen++
	p.gen = c.gen
	gen := p.gen
	p.timer = time.AfterFunc(c.window, func() {
		c.fire(sessionID, gen)
	})
}

// fire flushes the session's buffer if gen still identifies the newest
// armed timer. A stale generation means a later patch re-armed the flush.
func (c *Coalescer) fire(sessionID string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if !ok || p.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	msgs := p.msgs
	delete(c.pending, sessionID)
	c.mu.Unlock()

	if msg := c.merge(msgs); msg != nil {
		c.flush(sessionID, msg)
	}
}

// merge combines buffered patches into one deliverable message. A single
// entry passes through verbatim; multiple entries use the newest message as
// the header and type template with a payload listing every original
// payload, oldest first.
func (c *Coalescer) merge(msgs []*protocol.Message) *protocol.Message {
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return msgs[0]
	}

	patches := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		patches[i] = m.Payload
	}

	last := msgs[len(msgs)-1]
	payload, err := json.Marshal(protocol.CoalescedPayload{Patches: patches})
	if err != nil {
		c.logger.Error("merge failed, delivering newest patch only", "error", err)
		return last
	}
	return &protocol.Message{
		Type:    last.Type,
		Header:  last.Header,
		Payload: payload,
	}
}

// PendingCount returns the number of buffered patches for the session.
func (c *Coalescer) PendingCount(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[sessionID]; ok {
		return len(p.msgs)
	}
	return 0
}

// Close cancels all outstanding timers and flushes every pending buffer
// immediately so buffered patches are not lost at shutdown.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remaining := make(map[string][]*protocol.Message, len(c.pending))
	for sessionID, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		remaining[sessionID] = p.msgs
	}
	c.pending = nil
	c.mu.Unlock()

	for sessionID, msgs := range remaining {
		if msg := c.merge(msgs); msg != nil {
			c.flush(sessionID, msg)
		}
	}
}
