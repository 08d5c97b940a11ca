// Package wire defines the JSON frame envelopes carried on both WebSocket
// surfaces (§6.2): the Session Manager's per-session raw endpoint and the
// Gateway's multiplexed per-browser endpoint. Both share a "type" +
// "sessionId" envelope shape, so one set of types and one codec serve
// both, encoded with jsoniter for the hot byte-streaming path.
package wire

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is the jsoniter configuration used across the wire package: it
// behaves like encoding/json but avoids its reflection overhead on the
// terminal byte-streaming hot path.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame types, shared by the SM raw endpoint and the GW multiplexed endpoint.
const (
	TypeData     = "terminal:data"
	TypeResized  = "terminal:resized"
	TypeInput    = "terminal:input"
	TypeResize   = "terminal:resize"
	TypeError    = "terminal:error"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Close codes (§6.2, §7).
const (
	CloseAuthFailed       = 4001
	CloseMissingSessionID = 4002
	CloseSessionNotFound  = 4003
	CloseUpstreamLost     = 4000
)

// Envelope is the superset of fields used by any frame direction. Encoders
// only set the fields relevant to a given Type; Data is raw terminal bytes
// represented as a string (jsoniter handles the JSON string escaping).
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Code      int    `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Preview   bool   `json:"preview,omitempty"`
}

// Marshal encodes an Envelope to its wire representation.
func Marshal(e Envelope) ([]byte, error) {
	return JSON.Marshal(e)
}

// Unmarshal decodes a client frame into an Envelope. Malformed frames are
// the caller's concern: per §7, they are ignored, not fatal.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := JSON.Unmarshal(data, &e)
	return e, err
}

// Data builds a terminal:data frame.
func Data(sessionID string, chunk []byte) Envelope {
	return Envelope{Type: TypeData, SessionID: sessionID, Data: string(chunk)}
}

// Resized builds a terminal:resized acknowledgment frame.
func Resized(sessionID string, cols, rows int) Envelope {
	return Envelope{Type: TypeResized, SessionID: sessionID, Cols: cols, Rows: rows}
}

// Error builds an error frame (§4.F, §6.2).
func Error(sessionID string, code int, msg string) Envelope {
	return Envelope{Type: TypeError, SessionID: sessionID, Code: code, Error: msg}
}
