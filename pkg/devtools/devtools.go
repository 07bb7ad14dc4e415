// Package devtools is a side-channel sink that records recent protocol
// traffic for the development panel. It never influences delivery; dropping
// it from a deployment changes nothing about the wire behavior.
package devtools

import (
	"sync"
	"time"
)

// DefaultCapacity is how many events the panel retains.
const DefaultCapacity = 500

// EventKind classifies a recorded event.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindAction  EventKind = "action"
	KindError   EventKind = "error"
)

// Event is one recorded protocol occurrence.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Stats summarizes recorded activity.
type Stats struct {
	Messages int `json:"messages"`
	Actions  int `json:"actions"`
	Errors   int `json:"errors"`
}

// Panel is a fixed-capacity ring of recent events. All methods are safe for
// concurrent use. A nil Panel is a no-op sink, so callers never need to
// guard their logging calls.
type Panel struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
	stats Stats
}

// NewPanel creates a panel retaining up to capacity events. capacity <= 0
// uses DefaultCapacity.
func NewPanel(capacity int) *Panel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Panel{ring: make([]Event, capacity)}
}

// LogMessage records a delivered message.
func (p *Panel) LogMessage(sessionID, msgType string, seq uint64) {
	if p == nil {
		return
	}
	p.push(Event{Kind: KindMessage, SessionID: sessionID, Type: msgType, Seq: seq})
	p.mu.Lock()
	p.stats.Messages++
	p.mu.Unlock()
}

// LogAction records a dispatched user action.
func (p *Panel) LogAction(sessionID, actionID, detail string) {
	if p == nil {
		return
	}
	p.push(Event{Kind: KindAction, SessionID: sessionID, ActionID: actionID, Detail: detail})
	p.mu.Lock()
	p.stats.Actions++
	p.mu.Unlock()
}

// LogError records an emitted protocol error.
func (p *Panel) LogError(sessionID, code, detail string) {
	if p == nil {
		return
	}
	p.push(Event{Kind: KindError, SessionID: sessionID, Type: code, Detail: detail})
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}

func (p *Panel) push(ev Event) {
	ev.Timestamp = time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring[p.next] = ev
	p.next = (p.next + 1) % len(p.ring)
	if p.count < len(p.ring) {
		p.count++
	}
}

// Snapshot returns the recorded events, oldest first.
func (p *Panel) Snapshot() []Event {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Event, 0, p.count)
	start := p.next - p.count
	if start < 0 {
		start += len(p.ring)
	}
	for i := 0; i < p.count; i++ {
		out = append(out, p.ring[(start+i)%len(p.ring)])
	}
	return out
}

// Stats returns counters for all events seen, including ones that have
// rotated out of the ring.
func (p *Panel) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
