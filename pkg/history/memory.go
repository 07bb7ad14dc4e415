package history

import (
	"log/slog"
	"sync"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// MemoryStore keeps each session's log as an append-only in-memory slice.
// It is the default backend.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string]*sessionLog
	closed bool
	logger *slog.Logger
}

// sessionLog holds one session's entries. Appends for a session serialize on
// the log's own mutex so that seq assignment stays contiguous without
// blocking other sessions.
type sessionLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		logs:   make(map[string]*sessionLog),
		logger: logger.With("component", "history"),
	}
}

func (s *MemoryStore) log(sessionID string) (*sessionLog, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	l, ok := s.logs[sessionID]
	s.mu.RUnlock()
	if ok {
		return l, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if l, ok = s.logs[sessionID]; !ok {
		l = &sessionLog{}
		s.logs[sessionID] = l
	}
	return l, nil
}

// Append implements Store. The next seq is len+1, so numbers are contiguous
// from 1 for the session's lifetime.
func (s *MemoryStore) Append(sessionID string, msg *protocol.Message) (uint64, error) {
	l, err := s.log(sessionID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(len(l.entries)) + 1
	msg.Header.Seq = seq
	l.entries = append(l.entries, Entry{Seq: seq, Message: msg})
	return seq, nil
}

// ReadSince implements Store.
func (s *MemoryStore) ReadSince(sessionID string, cursor uint64, limit int) ([]Entry, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	l, ok := s.logs[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Entries are dense from seq 1, so the cursor indexes directly.
	if cursor >= uint64(len(l.entries)) {
		return nil, nil
	}
	tail := l.entries[cursor:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Entry, len(tail))
	copy(out, tail)
	return out, nil
}

// LastSeq implements Store.
func (s *MemoryStore) LastSeq(sessionID string) (uint64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	l, ok := s.logs[sessionID]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}

// SessionCount returns the number of sessions holding a log.
func (s *MemoryStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logs = nil
	return nil
}
