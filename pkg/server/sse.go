package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/benrben/agentpriinter/pkg/auth"
	"github.com/benrben/agentpriinter/pkg/protocol"
)

// StreamHandler is the server-push fallback transport. It replays history
// past the client's cursor, then streams live messages as SSE data frames
// with periodic keepalive comments.
type StreamHandler struct {
	manager  *Manager
	authHook auth.Hook
	proxies  *proxyMatcher
	logger   *slog.Logger
}

// NewStreamHandler builds the stream endpoint handler. authHook may be nil.
func NewStreamHandler(m *Manager, authHook auth.Hook, proxies *proxyMatcher, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		manager:  m,
		authHook: authHook,
		proxies:  proxies,
		logger:   logger.With("component", "stream"),
	}
}

// ServeHTTP implements http.Handler.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if !h.manager.AllowConnection(clientIP(r, h.proxies)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if h.authHook != nil {
		scope := &auth.ConnectionScope{
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header,
			Query:      r.URL.Query(),
		}
		if !h.authHook(scope) {
			http.Error(w, "authentication rejected", http.StatusUnauthorized)
			return
		}
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = protocol.DefaultSession
	}
	cursor, _ := strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)

	sub, err := h.manager.Subscribe(sessionID)
	if err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.manager.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribing before the replay read closes the gap between the two
	// phases: anything broadcast during replay is waiting in the queue. The
	// client deduplicates overlap by seq; at-least-once is the contract.
	entries, err := h.manager.History().ReadSince(sessionID, cursor, 0)
	if err != nil {
		h.logger.Warn("stream replay failed", "session_id", sessionID, "error", err)
		return
	}
	lastSeq := cursor
	for _, entry := range entries {
		if err := writeSSE(w, flusher, entry.Message); err != nil {
			return
		}
		lastSeq = entry.Seq
	}

	keepalive := h.manager.Config().KeepaliveInterval
	for {
		// Next wakes on context cancellation, so a departed client never
		// holds the handler for a full keepalive interval.
		msg, ok := sub.Next(r.Context(), keepalive)
		if !ok {
			if r.Context().Err() != nil {
				return
			}
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		// Skip queue entries already covered by replay.
		if msg.Header.Seq != 0 && msg.Header.Seq <= lastSeq {
			continue
		}
		if err := writeSSE(w, flusher, msg); err != nil {
			return
		}
		if msg.Header.Seq > lastSeq {
			lastSeq = msg.Header.Seq
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
