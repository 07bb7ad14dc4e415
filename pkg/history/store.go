// Package history implements the per-session sequenced message log backing
// replay, resume, and polling.
//
// The store is the single source of truth for "what has this session seen".
// Every durable broadcast passes through Append, which assigns the message a
// per-session sequence number (contiguous, strictly increasing from 1) before
// the message reaches any transport. Replay after reconnect therefore never
// produces a gap relative to what was pushed live.
//
// Sessions and their logs live for the lifetime of the process. There is no
// TTL eviction: long-running deployments accumulate per-session memory
// indefinitely, which is a documented capacity-planning gap rather than a
// bug to silently fix here.
package history

import (
	"errors"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// ErrStoreClosed is returned when operations are attempted on a closed store.
var ErrStoreClosed = errors.New("history: store is closed")

// Entry is a sequenced message in a session's log.
type Entry struct {
	Seq     uint64
	Message *protocol.Message
}

// Store is the sequenced history log contract. Implementations must be safe
// for concurrent use; Append calls for the same session serialize so that
// sequence numbers are assigned strictly in order.
type Store interface {
	// Append stores msg at the tail of the session's log and returns the
	// assigned sequence number. The message's header.seq is set exactly once,
	// here.
	Append(sessionID string, msg *protocol.Message) (uint64, error)

	// ReadSince returns entries with seq > cursor in seq order, capped at
	// limit (limit <= 0 means no cap).
	ReadSince(sessionID string, cursor uint64, limit int) ([]Entry, error)

	// LastSeq returns the highest sequence assigned for the session, or 0 if
	// the session has no history.
	LastSeq(sessionID string) (uint64, error)

	// Close releases any resources held by the store.
	Close() error
}
