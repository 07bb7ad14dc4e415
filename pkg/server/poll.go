package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// pollResponse is the pull endpoint's page shape. HasMore is inferred from
// a full page: a batch shorter than the limit means the caller has caught
// up.
type pollResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Cursor   uint64            `json:"cursor"`
	HasMore  bool              `json:"has_more"`
}

// PollHandler serves the plain-HTTP transport pair: GET /poll/{session_id}
// reads sequenced history past a cursor, POST /send/{session_id} carries
// client-to-server envelopes for clients that cannot hold a socket open.
type PollHandler struct {
	manager *Manager
	proxies *proxyMatcher
	logger  *slog.Logger
}

// NewPollHandler builds the polling endpoints handler.
func NewPollHandler(m *Manager, proxies *proxyMatcher, logger *slog.Logger) *PollHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollHandler{
		manager: m,
		proxies: proxies,
		logger:  logger.With("component", "poll"),
	}
}

// Poll handles GET /poll/{session_id}?cursor&limit.
func (h *PollHandler) Poll(w http.ResponseWriter, r *http.Request) {
	h.manager.Metrics().PollRequests.Inc()

	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		sessionID = protocol.DefaultSession
	}
	cursor, _ := strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)

	config := h.manager.Config()
	limit := config.PollDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, config.PollMaxLimit)
	}

	entries, err := h.manager.History().ReadSince(sessionID, cursor, limit)
	if err != nil {
		h.logger.Error("poll read failed", "session_id", sessionID, "error", err)
		http.Error(w, "history read failed", http.StatusInternalServerError)
		return
	}

	resp := pollResponse{
		Messages: make([]json.RawMessage, 0, len(entries)),
		Cursor:   cursor,
		HasMore:  len(entries) == limit,
	}
	for _, entry := range entries {
		data, err := entry.Message.Encode()
		if err != nil {
			h.logger.Error("poll encode failed", "session_id", sessionID, "seq", entry.Seq, "error", err)
			continue
		}
		resp.Messages = append(resp.Messages, data)
		resp.Cursor = entry.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /send/{session_id}. The envelope runs through the same
// size, rate, parse, and dispatch pipeline as a socket frame; action
// responses land in the session's history, where the client picks them up
// on its next poll.
func (h *PollHandler) Send(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		sessionID = protocol.DefaultSession
	}

	config := h.manager.Config()
	var reader io.Reader = r.Body
	if config.MaxMessageSize > 0 {
		reader = io.LimitReader(r.Body, config.MaxMessageSize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if config.MaxMessageSize > 0 && int64(len(body)) > config.MaxMessageSize {
		h.writeError(w, http.StatusRequestEntityTooLarge, "", protocol.CodeMessageTooLarge,
			"request body exceeds limit", map[string]any{"limit": config.MaxMessageSize})
		return
	}

	addr := clientIP(r, h.proxies)
	if ok, remaining := h.manager.AllowMessage("send:" + addr); !ok {
		h.writeError(w, http.StatusTooManyRequests, "", protocol.CodeRateLimitExceeded,
			"message rate limit exceeded", map[string]any{"remaining": remaining})
		return
	}

	msg, err := protocol.ParseMessage(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "", protocol.CodeInvalidMessage, err.Error(), nil)
		return
	}
	if msg.Header.SessionID == "" {
		msg.Header.SessionID = sessionID
	}

	conn := &historyConn{id: uuid.NewString(), sessionID: sessionID, manager: h.manager}
	if err := h.manager.Actions().Dispatch(r.Context(), msg, conn); err != nil {
		traceID := msg.Header.TraceID
		switch e := err.(type) {
		case *protocol.ValidationError:
			h.writeError(w, http.StatusBadRequest, traceID, protocol.CodeInvalidActionPayload,
				"action payload invalid", e.Details())
		case *UnknownActionError:
			h.writeError(w, http.StatusNotFound, traceID, protocol.CodeUnknownAction, e.Error(), map[string]any{
				"action_id": e.ActionID,
				"target":    e.Target,
				"retryable": false,
			})
		default:
			h.writeError(w, http.StatusInternalServerError, traceID, protocol.CodeHandlerError, err.Error(),
				map[string]any{"retryable": true})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *PollHandler) writeError(w http.ResponseWriter, status int, traceID, code, message string, details map[string]any) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	h.manager.Metrics().ProtocolError.WithLabelValues(code).Inc()
	data, err := protocol.NewErrorMessage(traceID, code, message, details).Encode()
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// historyConn satisfies Conn for HTTP-originated dispatches. Anything a
// handler sends to it is broadcast into the session, so poll clients see
// responses via the shared sequence space rather than the request body.
type historyConn struct {
	id        string
	sessionID string
	manager   *Manager
}

func (c *historyConn) ID() string        { return c.id }
func (c *historyConn) SessionID() string { return c.sessionID }
func (c *historyConn) Close() error      { return nil }

func (c *historyConn) Send(msg *protocol.Message) error {
	if msg.Header.SessionID == "" {
		msg.Header.SessionID = c.sessionID
	}
	return c.manager.Broadcast(msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
