package server

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// Handler processes one validated user action. Handlers that need to run
// work in the background can spawn their own goroutines and return
// immediately; an error return is reported to the client as handler_error.
type Handler func(ctx context.Context, msg *protocol.Message, conn Conn) error

// ActionRouter validates inbound user.action envelopes and dispatches them
// to registered handlers. Routing precedence: a handler registered for the
// target's prefix (the part before ':') wins; otherwise the handler keyed by
// action_id is used.
type ActionRouter struct {
	mu       sync.RWMutex
	byAction map[string]Handler
	byTarget map[string]Handler

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewActionRouter creates an empty router. metrics may be nil.
func NewActionRouter(logger *slog.Logger, metrics *Metrics) *ActionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionRouter{
		byAction: make(map[string]Handler),
		byTarget: make(map[string]Handler),
		logger:   logger.With("component", "actions"),
		metrics:  metrics,
		tracer:   otel.Tracer("agentprinter/actions"),
	}
}

// RegisterAction registers a handler keyed by action_id.
func (r *ActionRouter) RegisterAction(actionID string, h Handler) {
	r.mu.Lock()
	r.byAction[actionID] = h
	r.mu.Unlock()
}

// RegisterTarget registers a handler for a target prefix such as "agent",
// "tool", or "http".
func (r *ActionRouter) RegisterTarget(prefix string, h Handler) {
	r.mu.Lock()
	r.byTarget[prefix] = h
	r.mu.Unlock()
}

// Dispatch runs the validation and routing state machine for one envelope.
// Envelopes whose type is not user.action are ignored without error. The
// error return distinguishes three failure classes the caller maps to
// protocol error codes: *protocol.ValidationError for shape failures,
// *UnknownActionError for routing misses, and *DispatchError for a handler
// that returned an error or panicked.
func (r *ActionRouter) Dispatch(ctx context.Context, msg *protocol.Message, conn Conn) error {
	if msg.Type != protocol.TypeUserAction {
		return nil
	}

	action, err := protocol.ParseActionPayload(msg.Payload)
	if err != nil {
		issues := 0
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			issues = len(verr.Issues)
		}
		r.logger.Debug("action rejected",
			"trace_id", msg.Header.TraceID,
			"issues", issues)
		r.outcome("invalid")
		return err
	}

	handler, routedBy := r.lookup(action)
	if handler == nil {
		r.outcome("unknown")
		return &UnknownActionError{ActionID: action.ActionID, Target: action.Target}
	}

	ctx, span := r.tracer.Start(ctx, "action.dispatch",
		trace.WithAttributes(
			attribute.String("action.id", action.ActionID),
			attribute.String("action.target", action.Target),
			attribute.String("action.routed_by", routedBy),
			attribute.String("session.id", msg.Session()),
		))
	defer span.End()

	start := time.Now()
	err = r.invoke(ctx, handler, msg, conn)
	if r.metrics != nil {
		r.metrics.ActionDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.outcome("error")
		return &DispatchError{ActionID: action.ActionID, Target: action.Target, Err: err}
	}
	r.outcome("handled")
	return nil
}

// lookup resolves the handler for action, reporting which key routed it.
func (r *ActionRouter) lookup(action *protocol.ActionPayload) (Handler, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix := action.TargetPrefix(); prefix != "" {
		if h, ok := r.byTarget[prefix]; ok {
			return h, "target"
		}
	}
	if h, ok := r.byAction[action.ActionID]; ok {
		return h, "action_id"
	}
	return nil, ""
}

// invoke runs the handler with panic containment so a broken handler is
// reported as an error rather than tearing down the connection loop.
func (r *ActionRouter) invoke(ctx context.Context, h Handler, msg *protocol.Message, conn Conn) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Op: "action handler", Value: v, Stack: debug.Stack()}
			r.logger.Error("action handler panic",
				"trace_id", msg.Header.TraceID,
				"panic", v)
		}
	}()
	return h(ctx, msg, conn)
}

func (r *ActionRouter) outcome(o string) {
	if r.metrics != nil {
		r.metrics.ActionsTotal.WithLabelValues(o).Inc()
	}
}
