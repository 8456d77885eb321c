// Package response maps execution outcomes onto transport responses.
package response

import (
	"encoding/json"
	"net/http"

	graphql "github.com/soketto/graphserve/internal/graphql"
)

// Response is a fully encoded transport reply.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// EncodeFunc serializes a response body. Formatting (pretty-printing,
// content-type negotiation) is the embedding adapter's concern.
type EncodeFunc func(v any) ([]byte, error)

// Compact is the default encoder.
func Compact(v any) ([]byte, error) { return json.Marshal(v) }

// Pretty indents output for development use.
func Pretty(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }

const contentType = "application/json; charset=utf-8"

// statusOf classifies one outcome. A data member, explicit null included,
// means the operation reached field resolution: 200 even with errors
// (partial success). Errors with no data member never got that far: 400.
func statusOf(res *graphql.Result) int {
	if res.HasData() || len(res.Errors) == 0 {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

// Single encodes one outcome.
func Single(res *graphql.Result, enc EncodeFunc) (*Response, error) {
	if enc == nil {
		enc = Compact
	}
	body, err := enc(res)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: statusOf(res),
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	}, nil
}

// Batch encodes outcomes as a JSON array in input order. The transport
// status is the maximum severity across elements: one 400 element makes the
// whole call a 400, while the body still reports every element.
func Batch(results []*graphql.Result, enc EncodeFunc) (*Response, error) {
	if enc == nil {
		enc = Compact
	}
	body, err := enc(results)
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	for _, res := range results {
		if s := statusOf(res); s > status {
			status = s
		}
	}
	return &Response{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	}, nil
}

// Failure encodes a transport-level error that aborted the call before any
// operation was constructed.
func Failure(status int, message string, enc EncodeFunc) *Response {
	if enc == nil {
		enc = Compact
	}
	body, err := enc(graphql.ErrorResult(message))
	if err != nil {
		body = []byte(`{"errors":[{"message":"internal error"}]}`)
	}
	return &Response{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	}
}
