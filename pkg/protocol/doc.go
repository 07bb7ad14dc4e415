// Package protocol defines the wire contract between the server and thin
// clients: the universal {type, header, payload} envelope, the message type
// registry, the action payload validation rules, and the stable error codes
// surfaced as protocol.error messages.
//
// Every frame on every transport (WebSocket, SSE, HTTP polling) is a single
// JSON-encoded Message. The header carries identity and ordering metadata;
// the payload schema is determined by the message type and validated by the
// component that consumes it. Only user.action payloads are validated
// centrally, because they cross the trust boundary from client to server.
package protocol
