// Package websocket provides the wire protocol shared by the CrewHub gateway
// and its clients: a small frame envelope, event name constants, and a
// dispatcher for inbound commands.
package websocket

import (
	"encoding/json"
)

// CodecVersion identifies the payload field mapping in use. Bump when the
// abbreviation table in internal/hub/codec changes so legacy decoders can
// fall back.
const CodecVersion = 1

// Frame is the envelope for every message on the stream, in both directions:
// {e: event_name, d: payload, _v: codec_version}. ID correlates a client
// command with its response or error frame. Compressed marks a payload that
// is a base64-encoded gzip blob instead of plain JSON.
type Frame struct {
	ID         string          `json:"id,omitempty"`
	Event      string          `json:"e"`
	Data       json.RawMessage `json:"d,omitempty"`
	Version    int             `json:"_v,omitempty"`
	Compressed bool            `json:"gz,omitempty"`
}

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes carried in error frames. These are the machine-readable class
// names; clients that surface diagnostics show them verbatim.
const (
	ErrorCodeBadRequest    = "bad_request"
	ErrorCodeValidation    = "validation_error"
	ErrorCodeNotFound      = "not_found"
	ErrorCodeConflict      = "conflict"
	ErrorCodeInvalidState  = "invalid_state"
	ErrorCodeUnknownEvent  = "unknown_event"
	ErrorCodeInternalError = "internal_error"
)

// NewFrame creates a frame for the given event with a JSON-encoded payload.
func NewFrame(event string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Data: data, Version: CodecVersion}, nil
}

// NewResponse creates a frame answering the client command with the given id.
func NewResponse(id, event string, payload any) (*Frame, error) {
	f, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	f.ID = id
	return f, nil
}

// NewError creates an error frame referencing the client command id.
func NewError(id, code, message string, details map[string]any) (*Frame, error) {
	f, err := NewFrame(EventError, ErrorPayload{Code: code, Message: message, Details: details})
	if err != nil {
		return nil, err
	}
	f.ID = id
	return f, nil
}

// ParseData parses the frame payload into the given struct.
func (f *Frame) ParseData(v any) error {
	if f.Data == nil {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
