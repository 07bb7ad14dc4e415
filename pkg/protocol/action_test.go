package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestParseActionPayloadValid(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"action_id": "run_analysis",
		"trigger":   "click",
		"target":    "agent:run_analysis",
	})

	p, err := ParseActionPayload(raw)
	require.NoError(t, err)
	require.Equal(t, "run_analysis", p.ActionID)
	require.Equal(t, ModeStream, p.Mode, "mode defaults to stream")
	require.Equal(t, "agent", p.TargetPrefix())
}

func TestParseActionPayloadMissingActionID(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"trigger": "click",
		"target":  "agent:run",
	})

	_, err := ParseActionPayload(raw)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.NotEmpty(t, verr.Issues)
	require.Equal(t, "action_id", verr.Issues[0].Location)
	require.Equal(t, IssueMissing, verr.Issues[0].Kind)
}

func TestParseActionPayloadBadTrigger(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"action_id": "x",
		"trigger":   "not-a-real-trigger",
		"target":    "tool:search",
	})

	_, err := ParseActionPayload(raw)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Issues, 1)
	require.Equal(t, "trigger", verr.Issues[0].Location)
	require.Equal(t, IssueInvalidEnum, verr.Issues[0].Kind)
}

func TestParseActionPayloadBadMode(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"action_id": "x",
		"trigger":   "submit",
		"target":    "http:/api/submit",
		"mode":      "carrier-pigeon",
	})

	_, err := ParseActionPayload(raw)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "mode", verr.Issues[0].Location)
}

func TestParseActionPayloadNotAnObject(t *testing.T) {
	for _, raw := range []string{`"a string"`, `42`, `[1,2]`, ``} {
		_, err := ParseActionPayload(json.RawMessage(raw))

		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "payload %q", raw)
		require.Equal(t, "payload", verr.Issues[0].Location)
		require.Equal(t, IssueInvalidType, verr.Issues[0].Kind)
	}
}

func TestParseActionPayloadCollectsAllIssues(t *testing.T) {
	raw := mustRaw(t, map[string]any{"trigger": "warp"})

	_, err := ParseActionPayload(raw)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Issues, 3) // action_id, trigger, target
}

func TestTargetPrefix(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"agent:run_analysis", "agent"},
		{"tool:search", "tool"},
		{"http:/api/v1/submit", "http"},
		{"no-delimiter", ""},
		{":leading", ""},
		{"", ""},
	}
	for _, tt := range tests {
		p := &ActionPayload{Target: tt.target}
		require.Equal(t, tt.want, p.TargetPrefix(), "target %q", tt.target)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	verr := &ValidationError{Issues: []Issue{
		{Location: "action_id", Message: "action_id is required", Kind: IssueMissing},
	}}
	require.Contains(t, verr.Error(), "action_id is required")
	require.Equal(t, map[string]any{"issues": verr.Issues}, verr.Details())
}
