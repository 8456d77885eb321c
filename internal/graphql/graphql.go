// Package graphql holds the canonical operation request and result types the
// transport layer passes between normalization, dispatch and encoding.
package graphql

import (
	"bytes"
	"encoding/json"
)

// Request is one GraphQL operation as received from any transport.
// Query may be empty when the embedding application supports out-of-band
// operation lookup (persisted queries); the core rejects that case itself.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Location is a position in the query source attached to an error.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a GraphQL execution error in response shape.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string { return e.Message }

// Result is the outcome of executing one operation.
//
// A nil Data means the data member is absent: the operation never reached
// field resolution. An engine that executed but produced a null root sets
// Data to json.RawMessage("null") so the member is emitted as an explicit
// null. Encoding uses the fixed key order data, errors, extensions.
type Result struct {
	Data       any
	Errors     []Error
	Extensions map[string]any
}

// NullData marks a result as executed with a null root.
var NullData any = json.RawMessage("null")

// HasData reports whether the result carries a data member, explicit JSON
// null included.
func (r *Result) HasData() bool { return r.Data != nil }

// ErrorResult builds a result carrying a single message and no data member.
func ErrorResult(message string) *Result {
	return &Result{Errors: []Error{{Message: message}}}
}

// MarshalJSON emits {data, errors, extensions} with absent members omitted.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeMember := func(k string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteByte('"')
		buf.WriteString(k)
		buf.WriteString(`":`)
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
	if r.Data != nil {
		if err := writeMember("data", r.Data); err != nil {
			return nil, err
		}
	}
	if len(r.Errors) > 0 {
		if err := writeMember("errors", r.Errors); err != nil {
			return nil, err
		}
	}
	if len(r.Extensions) > 0 {
		if err := writeMember("extensions", r.Extensions); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the wire shape produced by MarshalJSON. A data
// member that is present but null round-trips as NullData.
func (r *Result) UnmarshalJSON(b []byte) error {
	var raw struct {
		Data       json.RawMessage `json:"data"`
		Errors     []Error         `json:"errors"`
		Extensions map[string]any  `json:"extensions"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Data != nil {
		r.Data = raw.Data
	} else {
		r.Data = nil
	}
	r.Errors = raw.Errors
	r.Extensions = raw.Extensions
	return nil
}
