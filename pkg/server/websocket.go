package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/benrben/agentpriinter/pkg/auth"
	"github.com/benrben/agentpriinter/pkg/protocol"
	"github.com/benrben/agentpriinter/pkg/ui"
)

// wsConn is the live WebSocket push connection tracked by the registry.
type wsConn struct {
	id           string
	sessionID    string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn, sessionID string, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		sessionID:    sessionID,
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// ID implements Conn.
func (c *wsConn) ID() string { return c.id }

// SessionID implements Conn.
func (c *wsConn) SessionID() string { return c.sessionID }

// Send implements Conn. Writes serialize on the connection mutex because
// broadcasts arrive from arbitrary goroutines.
func (c *wsConn) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements Conn.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// VersionHook negotiates the protocol version from the client's proposal.
// Returning an error rejects the connection with version_mismatch.
type VersionHook func(clientVersion string) (string, error)

// PageProvider supplies the initial page snapshot pushed after the
// handshake.
type PageProvider func() *ui.Page

// WebSocketHandler drives the per-connection protocol state machine:
// connection rate check, auth, version negotiation, hello, initial render,
// then the receive loop.
type WebSocketHandler struct {
	manager     *Manager
	authHook    auth.Hook
	versionHook VersionHook
	pages       PageProvider
	proxies     *proxyMatcher
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewWebSocketHandler builds the socket endpoint handler. authHook,
// versionHook, and pages may be nil.
func NewWebSocketHandler(m *Manager, authHook auth.Hook, versionHook VersionHook, pages PageProvider, proxies *proxyMatcher, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	config := m.Config()
	return &WebSocketHandler{
		manager:     m,
		authHook:    authHook,
		versionHook: versionHook,
		pages:       pages,
		proxies:     proxies,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger.With("component", "websocket"),
	}
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = protocol.DefaultSession
	}
	conn := newWSConn(ws, sessionID, h.manager.Config().WriteTimeout)

	negotiated, ok := h.handshake(conn, r)
	if !ok {
		conn.Close()
		return
	}

	h.manager.Attach(conn)
	defer func() {
		h.manager.Detach(conn)
		conn.Close()
	}()

	if err := h.sendHello(conn, negotiated); err != nil {
		h.logger.Warn("hello send failed", "conn_id", conn.id, "error", err)
		return
	}
	if err := h.sendInitialPage(conn); err != nil {
		h.logger.Warn("initial render failed", "conn_id", conn.id, "error", err)
		return
	}

	h.readLoop(r.Context(), conn)
}

// handshake runs the pre-hello phases. A false return means a fatal error
// was already emitted and the connection must close.
func (h *WebSocketHandler) handshake(conn *wsConn, r *http.Request) (string, bool) {
	addr := clientIP(r, h.proxies)
	if !h.manager.AllowConnection(addr) {
		h.sendError(conn, "", protocol.CodeConnectionRateLimited,
			"too many connection attempts", nil)
		return "", false
	}

	if h.authHook != nil {
		scope := &auth.ConnectionScope{
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header,
			Query:      r.URL.Query(),
		}
		if !h.authHook(scope) {
			h.sendError(conn, "", protocol.CodeAuthFailed, "authentication rejected", nil)
			return "", false
		}
	}

	negotiated := protocol.Version
	if h.versionHook != nil {
		v, err := h.versionHook(r.URL.Query().Get("version"))
		if err != nil {
			h.sendError(conn, "", protocol.CodeVersionMismatch, err.Error(), map[string]any{
				"proposed": r.URL.Query().Get("version"),
			})
			return "", false
		}
		negotiated = v
	}
	return negotiated, true
}

func (h *WebSocketHandler) sendHello(conn *wsConn, version string) error {
	header := protocol.NewHeader(uuid.NewString())
	header.SessionID = conn.sessionID
	hello := protocol.MustMessage(protocol.TypeHello, header, protocol.HelloPayload{
		Message: "connected",
		Server:  "agentprinter-go",
		Version: version,
	})
	return conn.Send(hello)
}

// sendInitialPage pushes the current page snapshot directly on the
// connection. It is connection-scoped, not broadcast: reconnecting clients
// recover shared state via resume, not by re-sequencing the render for
// everyone.
func (h *WebSocketHandler) sendInitialPage(conn *wsConn) error {
	if h.pages == nil {
		return nil
	}
	page := h.pages()
	if page == nil {
		return nil
	}
	header := protocol.NewHeader(uuid.NewString())
	header.SessionID = conn.sessionID
	render, err := protocol.NewMessage(protocol.TypeUIRender, header, page)
	if err != nil {
		return err
	}
	return conn.Send(render)
}

// readLoop processes inbound frames until the client disconnects. Every
// per-frame failure is recoverable: the frame is rejected with a protocol
// error and the loop continues. Only a transport-level read error ends the
// loop.
func (h *WebSocketHandler) readLoop(ctx context.Context, conn *wsConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection closed", "conn_id", conn.id, "error", err)
			}
			return
		}
		h.handleFrame(ctx, conn, data)
	}
}

// handleFrame runs one frame through size check, rate check, parse, and
// dispatch. Panics are contained here so nothing thrown by per-frame
// processing can terminate the connection implicitly.
func (h *WebSocketHandler) handleFrame(ctx context.Context, conn *wsConn, data []byte) {
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("frame processing panic",
				"conn_id", conn.id,
				"panic", v,
				"stack", string(debug.Stack()))
			h.sendError(conn, "", protocol.CodeHandlerError,
				fmt.Sprintf("internal error: %v", v), nil)
		}
	}()

	config := h.manager.Config()
	if config.MaxMessageSize > 0 && int64(len(data)) > config.MaxMessageSize {
		h.sendError(conn, "", protocol.CodeMessageTooLarge,
			fmt.Sprintf("frame of %d bytes exceeds limit", len(data)),
			map[string]any{"limit": config.MaxMessageSize})
		return
	}

	if ok, remaining := h.manager.AllowMessage(conn.id); !ok {
		h.sendError(conn, "", protocol.CodeRateLimitExceeded,
			"message rate limit exceeded",
			map[string]any{"remaining": remaining})
		return
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.sendError(conn, "", protocol.CodeInvalidMessage, err.Error(), nil)
		return
	}

	h.dispatch(ctx, conn, msg)
}

// dispatch routes a parsed envelope by type. Unknown types are not errors;
// only missing or malformed envelopes are.
func (h *WebSocketHandler) dispatch(ctx context.Context, conn *wsConn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeUserAction:
		h.dispatchAction(ctx, conn, msg)
	case protocol.TypeResume:
		h.replay(conn, msg)
	default:
		// Reserved control types pass through unhandled.
		h.logger.Debug("unhandled message type", "type", msg.Type, "conn_id", conn.id)
	}
}

// dispatchAction maps each router failure class to its protocol error code.
func (h *WebSocketHandler) dispatchAction(ctx context.Context, conn *wsConn, msg *protocol.Message) {
	err := h.manager.Actions().Dispatch(ctx, msg, conn)
	if err == nil {
		h.manager.DevTools().LogAction(conn.sessionID, actionID(msg), "handled")
		return
	}

	traceID := msg.Header.TraceID
	switch e := err.(type) {
	case *protocol.ValidationError:
		h.sendError(conn, traceID, protocol.CodeInvalidActionPayload, "action payload invalid", e.Details())
	case *UnknownActionError:
		h.sendError(conn, traceID, protocol.CodeUnknownAction, e.Error(), map[string]any{
			"action_id": e.ActionID,
			"target":    e.Target,
			"retryable": false,
		})
	case *DispatchError:
		h.sendError(conn, traceID, protocol.CodeHandlerError, e.Error(), map[string]any{
			"action_id": e.ActionID,
			"retryable": true,
		})
	default:
		h.sendError(conn, traceID, protocol.CodeHandlerError, err.Error(),
			map[string]any{"retryable": true})
	}
}

// replay re-sends history entries past the client's last seen sequence, as
// individual ordered messages, capped at the configured batch size.
func (h *WebSocketHandler) replay(conn *wsConn, msg *protocol.Message) {
	var resume protocol.ResumePayload
	if err := msg.DecodePayload(&resume); err != nil {
		h.sendError(conn, msg.Header.TraceID, protocol.CodeInvalidMessage,
			"resume payload invalid: "+err.Error(), nil)
		return
	}

	entries, err := h.manager.History().ReadSince(conn.sessionID, resume.LastSeenSeq, h.manager.Config().ResumeBatchSize)
	if err != nil {
		h.sendError(conn, msg.Header.TraceID, protocol.CodeHandlerError,
			"replay failed: "+err.Error(), nil)
		return
	}
	for _, entry := range entries {
		if err := conn.Send(entry.Message); err != nil {
			h.logger.Warn("replay send failed", "conn_id", conn.id, "seq", entry.Seq, "error", err)
			return
		}
	}
	h.logger.Debug("replayed history",
		"conn_id", conn.id,
		"session_id", conn.sessionID,
		"from_seq", resume.LastSeenSeq,
		"count", len(entries))
}

func (h *WebSocketHandler) sendError(conn *wsConn, traceID, code, message string, details map[string]any) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	h.manager.Metrics().ProtocolError.WithLabelValues(code).Inc()
	h.manager.DevTools().LogError(conn.sessionID, code, message)
	errMsg := protocol.NewErrorMessage(traceID, code, message, details)
	errMsg.Header.SessionID = conn.sessionID
	if err := conn.Send(errMsg); err != nil {
		h.logger.Debug("error send failed", "conn_id", conn.id, "code", code, "error", err)
	}
}

// actionID pulls the action_id for devtools logging without failing on
// invalid payloads.
func actionID(msg *protocol.Message) string {
	action, verr := protocol.ParseActionPayload(msg.Payload)
	if verr != nil {
		return ""
	}
	return action.ActionID
}
