package protocol

// Agent lifecycle event kinds carried in AgentEvent.Event.
const (
	AgentEventStart      = "start"
	AgentEventToken      = "token"
	AgentEventToolCall   = "tool_call"
	AgentEventToolResult = "tool_result"
	AgentEventFinish     = "finish"
	AgentEventError      = "error"
)

// AgentEvent is the payload of an agent.event message: a single event from an
// agent run's lifecycle. Data is a string token for token events, or
// structured detail for tool calls and results.
type AgentEvent struct {
	RunID string `json:"run_id"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ValidAgentEvent reports whether kind is a known agent lifecycle event.
func ValidAgentEvent(kind string) bool {
	switch kind {
	case AgentEventStart, AgentEventToken, AgentEventToolCall, AgentEventToolResult,
		AgentEventFinish, AgentEventError:
		return true
	}
	return false
}
