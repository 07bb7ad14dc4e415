// Package agent runs registered event producers (LLM agents, long-running
// tools) and streams their output to a session as agent.event messages.
// Producers are opaque to the delivery core: they yield (event, data) pairs
// and the runner wraps them in envelopes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// Producer generates a stream of (event, data) pairs for one run. It emits
// through the provided callback and returns when the run is complete. An
// error return (or panic) surfaces to the session as an agent error event.
type Producer func(ctx context.Context, input json.RawMessage, emit func(event string, data any) error) error

// Broadcast delivers a message toward its session. Wired to the delivery
// manager's broadcast in production.
type Broadcast func(msg *protocol.Message) error

// Runner executes named producers and streams their events.
type Runner struct {
	broadcast Broadcast
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.RWMutex
	producers map[string]Producer
}

// NewRunner creates a runner that delivers events through broadcast.
func NewRunner(broadcast Broadcast, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		broadcast: broadcast,
		logger:    logger.With("component", "agent"),
		tracer:    otel.Tracer("agentprinter/agent"),
		producers: make(map[string]Producer),
	}
}

// Register adds a producer under name.
func (r *Runner) Register(name string, p Producer) {
	r.mu.Lock()
	r.producers[name] = p
	r.mu.Unlock()
}

// HandleAction runs the producer addressed by an action target of the form
// "agent:<name>". The run executes in a new goroutine; the action completes
// as soon as the run is started, and the session observes progress through
// agent.event messages.
func (r *Runner) HandleAction(ctx context.Context, msg *protocol.Message) error {
	action, verr := protocol.ParseActionPayload(msg.Payload)
	if verr != nil {
		return verr
	}

	name := action.Target
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}
	r.mu.RLock()
	producer, ok := r.producers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent: no producer named %q", name)
	}

	runID := uuid.NewString()
	sessionID := msg.Session()
	go func() {
		// The run outlives the triggering frame; detach from its context.
		if err := r.Run(context.Background(), sessionID, runID, producer, msg.Payload); err != nil {
			r.logger.Warn("agent run failed",
				"run_id", runID,
				"session_id", sessionID,
				"error", err)
		}
	}()
	return nil
}

// Run executes producer synchronously, emitting start, the producer's
// events, and finish (or error) to the session.
func (r *Runner) Run(ctx context.Context, sessionID, runID string, producer Producer, input json.RawMessage) error {
	ctx, span := r.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("session.id", sessionID),
		))
	defer span.End()

	if err := r.emit(sessionID, runID, protocol.AgentEventStart, nil); err != nil {
		return err
	}

	err := r.runProducer(ctx, producer, input, func(event string, data any) error {
		if !protocol.ValidAgentEvent(event) {
			return fmt.Errorf("agent: producer emitted unknown event %q", event)
		}
		return r.emit(sessionID, runID, event, data)
	})
	if err != nil {
		span.RecordError(err)
		r.emit(sessionID, runID, protocol.AgentEventError, map[string]string{"error": err.Error()})
		return err
	}
	return r.emit(sessionID, runID, protocol.AgentEventFinish, nil)
}

// runProducer contains producer panics so a broken producer ends its run
// with an error event instead of crashing the process.
func (r *Runner) runProducer(ctx context.Context, producer Producer, input json.RawMessage, emit func(string, any) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("agent: producer panic: %v", v)
			r.logger.Error("producer panic", "panic", v, "stack", string(debug.Stack()))
		}
	}()
	return producer(ctx, input, emit)
}

func (r *Runner) emit(sessionID, runID, event string, data any) error {
	header := protocol.NewHeader(runID)
	header.SessionID = sessionID
	msg, err := protocol.NewMessage(protocol.TypeAgentEvent, header, protocol.AgentEvent{
		RunID: runID,
		Event: event,
		Data:  data,
	})
	if err != nil {
		return err
	}
	return r.broadcast(msg)
}

// Echo is a trivial producer that tokenizes its input text and streams it
// back. Useful for demos and tests.
func Echo() Producer {
	return func(ctx context.Context, input json.RawMessage, emit func(string, any) error) error {
		var payload struct {
			PayloadMapping map[string]string `json:"payload_mapping"`
		}
		text := "hello from agentprinter"
		if err := json.Unmarshal(input, &payload); err == nil {
			if t, ok := payload.PayloadMapping["text"]; ok && t != "" {
				text = t
			}
		}
		for _, word := range strings.Fields(text) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := emit(protocol.AgentEventToken, map[string]string{"token": word}); err != nil {
				return err
			}
		}
		return nil
	}
}
