package protocol

// HelloPayload is the payload of the protocol.hello handshake ack.
type HelloPayload struct {
	Message string `json:"message"`
	Server  string `json:"server"`
	Version string `json:"version"`
}

// ResumePayload is the payload of a client protocol.resume request.
// The server replays history entries with seq > LastSeenSeq.
type ResumePayload struct {
	LastSeenSeq uint64 `json:"last_seen_seq"`
}

// Navigation is the routing contract for protocol.navigate messages.
type Navigation struct {
	To      string         `json:"to"`
	Params  map[string]any `json:"params,omitempty"`
	Replace bool           `json:"replace"`
	// Open is "same" or "new".
	Open string `json:"open"`
}
