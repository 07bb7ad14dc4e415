package protocol

import "encoding/json"

// Patch operations for state.patch messages (RFC 6902 style).
const (
	PatchOpReplace = "replace"
	PatchOpAdd     = "add"
	PatchOpRemove  = "remove"
)

// StatePatch is a single state update operation.
type StatePatch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	// Version is monotonic per path, for client-side ordering.
	Version int `json:"version"`
}

// CoalescedPayload is the payload shape of a merged patch burst: the payload
// bodies of every coalesced message, oldest first. Clients must accept both
// this shape and the single-patch shape on ui.patch/state.patch messages.
type CoalescedPayload struct {
	Patches []json.RawMessage `json:"patches"`
}
