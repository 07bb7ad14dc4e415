// Package server implements the message-delivery and session-continuity
// core: connection fan-out, patch coalescing, delivery over WebSocket,
// server-sent events, and HTTP polling, sequence-numbered history for
// replay, rate limiting and backpressure, and the action-routing state
// machine.
//
// All mutable state (connection registry, per-session coalescing buffers,
// rate-limiter buckets) lives inside a Manager constructed once per process
// and injected into the transports, so tests can build isolated instances.
package server
