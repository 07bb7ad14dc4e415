package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Action triggers accepted in ActionPayload.Trigger.
const (
	TriggerClick  = "click"
	TriggerSubmit = "submit"
	TriggerChange = "change"
	TriggerMount  = "mount"
)

// Action modes accepted in ActionPayload.Mode.
const (
	ModeStream = "stream"
	ModeHTTP   = "http"
)

// ActionPayload describes what a user.action message wants done.
type ActionPayload struct {
	ActionID string `json:"action_id"`
	Trigger  string `json:"trigger"`
	Target   string `json:"target"`
	Mode     string `json:"mode"`
	// PayloadMapping maps form/state values onto handler arguments.
	PayloadMapping map[string]string `json:"payload_mapping"`
}

// TargetPrefix returns the routing prefix before the first ":" in Target
// (e.g. "agent" for "agent:run"), or "" when Target has no delimiter.
func (p *ActionPayload) TargetPrefix() string {
	if i := strings.IndexByte(p.Target, ':'); i > 0 {
		return p.Target[:i]
	}
	return ""
}

func validTrigger(t string) bool {
	switch t {
	case TriggerClick, TriggerSubmit, TriggerChange, TriggerMount:
		return true
	}
	return false
}

func validMode(m string) bool {
	return m == ModeStream || m == ModeHTTP
}

// ParseActionPayload validates raw against the ActionPayload contract.
// A failure returns a *ValidationError with one issue per violation; the
// caller surfaces it as invalid_action_payload rather than dropping the
// message.
func ParseActionPayload(raw json.RawMessage) (*ActionPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ValidationError{Issues: []Issue{{
			Location: "payload",
			Message:  "payload must be a JSON object",
			Kind:     IssueInvalidType,
		}}}
	}

	var p ActionPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, &ValidationError{Issues: []Issue{{
			Location: "payload",
			Message:  fmt.Sprintf("payload does not match the action contract: %v", err),
			Kind:     IssueInvalidType,
		}}}
	}

	var issues []Issue
	if p.ActionID == "" {
		issues = append(issues, Issue{
			Location: "action_id",
			Message:  "action_id is required",
			Kind:     IssueMissing,
		})
	}
	if p.Trigger == "" {
		issues = append(issues, Issue{
			Location: "trigger",
			Message:  "trigger is required",
			Kind:     IssueMissing,
		})
	} else if !validTrigger(p.Trigger) {
		issues = append(issues, Issue{
			Location: "trigger",
			Message:  fmt.Sprintf("trigger %q is not one of click, submit, change, mount", p.Trigger),
			Kind:     IssueInvalidEnum,
		})
	}
	if p.Target == "" {
		issues = append(issues, Issue{
			Location: "target",
			Message:  "target is required",
			Kind:     IssueMissing,
		})
	}
	if p.Mode == "" {
		p.Mode = ModeStream
	} else if !validMode(p.Mode) {
		issues = append(issues, Issue{
			Location: "mode",
			Message:  fmt.Sprintf("mode %q is not one of stream, http", p.Mode),
			Kind:     IssueInvalidEnum,
		})
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return &p, nil
}
