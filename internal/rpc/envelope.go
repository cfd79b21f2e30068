// Package rpc implements the request/reply wire protocol spoken between the
// broker and its worker processes: one JSON request and one JSON reply per
// short-lived TCP connection to 127.0.0.1:<port>.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a command envelope. On the wire it is a flat JSON object with
// a required "command" key; every remaining key is a named argument. The
// broker forwards envelopes verbatim and never interprets the arguments.
type Request struct {
	Name string
	Args map[string]any
}

// NewRequest builds a request with no arguments.
func NewRequest(name string) Request {
	return Request{Name: name}
}

// MarshalJSON flattens the envelope into {"command": name, ...args}.
func (r Request) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Args)+1)
	for k, v := range r.Args {
		flat[k] = v
	}
	flat["command"] = r.Name
	return json.Marshal(flat)
}

// UnmarshalJSON splits the "command" key from the remaining arguments.
// A missing or non-string command leaves Name empty; the worker answers
// such requests with an error envelope.
func (r *Request) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("decoding command envelope: %w", err)
	}

	r.Name = ""
	if name, ok := flat["command"].(string); ok {
		r.Name = name
	}
	delete(flat, "command")

	if len(flat) == 0 {
		r.Args = nil
	} else {
		r.Args = flat
	}
	return nil
}

// Reply is the worker's answer. Result is kept raw so the broker can
// forward it byte for byte without re-shaping engine values.
type Reply struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

// TransportReply wraps a transport-level failure in the reply envelope.
// Transport errors reach HTTP clients as a failed reply with status 200;
// they do not mark the session dead on their own.
func TransportReply(err error) Reply {
	return Reply{Success: false, Error: err.Error()}
}
