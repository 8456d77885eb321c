// Package request normalizes the transport encodings GraphQL clients use —
// JSON bodies, URL-encoded forms, bare query strings — into canonical
// operation requests.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	graphql "github.com/soketto/graphserve/internal/graphql"
)

// Error is a transport-level request failure: no operation was constructed,
// the whole call aborts with Status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrEmptyBatch rejects a zero-length batch body.
var ErrEmptyBatch = &Error{Status: http.StatusBadRequest, Message: "batch must contain at least one operation"}

func badRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Options carry the capability flags the embedding adapter decides.
type Options struct {
	// AllowGET permits queries via the GET method. When false, GET is
	// answered with 405 without inspecting the request.
	AllowGET bool

	// AllowDocumentLookup permits requests without a query body, for
	// engines that resolve operations out of band (persisted queries).
	AllowDocumentLookup bool
}

// Payload is the normalization output: one or more operations plus whether
// the caller submitted them as an array. Batched responses are encoded as an
// array even for a single element.
type Payload struct {
	Operations []*graphql.Request
	Batch      bool
}

// Parse normalizes one HTTP call into a Payload.
func Parse(method, contentType string, body []byte, query url.Values, opts Options) (*Payload, *Error) {
	switch method {
	case http.MethodGet:
		if !opts.AllowGET {
			return nil, &Error{Status: http.StatusMethodNotAllowed, Message: "GET requests are not enabled on this endpoint"}
		}
		req, err := fromParams(query, opts)
		if err != nil {
			return nil, err
		}
		if kind := OperationKind(req); kind == ast.Mutation {
			return nil, badRequest("mutations are not allowed when using GET")
		}
		return &Payload{Operations: []*graphql.Request{req}}, nil
	case http.MethodPost:
		mediaType := contentType
		if mediaType != "" {
			if mt, _, err := mime.ParseMediaType(contentType); err == nil {
				mediaType = mt
			}
		}
		switch {
		case mediaType == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
			return FromJSON(body, opts)
		case mediaType == "application/x-www-form-urlencoded":
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return nil, badRequest("unable to parse form body")
			}
			req, perr := fromParams(form, opts)
			if perr != nil {
				return nil, perr
			}
			return &Payload{Operations: []*graphql.Request{req}}, nil
		default:
			return nil, badRequest("unsupported content type %q", contentType)
		}
	default:
		return nil, &Error{Status: http.StatusMethodNotAllowed, Message: "GraphQL only supports GET and POST requests"}
	}
}

// FromJSON decodes a JSON body: an object is a single operation, an array is
// a batch. Unknown top-level keys are ignored.
func FromJSON(body []byte, opts Options) (*Payload, *Error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, badRequest("unable to parse request body as JSON")
	}
	if trimmed[0] == '[' {
		var batch []*graphql.Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, badRequest("unable to parse request body as JSON")
		}
		if len(batch) == 0 {
			return nil, ErrEmptyBatch
		}
		for _, req := range batch {
			if err := validate(req, opts); err != nil {
				return nil, err
			}
		}
		return &Payload{Operations: batch, Batch: true}, nil
	}
	var req graphql.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, badRequest("unable to parse request body as JSON")
	}
	if err := validate(&req, opts); err != nil {
		return nil, err
	}
	return &Payload{Operations: []*graphql.Request{&req}}, nil
}

// fromParams reads the GraphQL parameters from query-string or form values.
// variables and extensions arrive JSON-encoded; a decode failure is a hard
// error, not a silent drop.
func fromParams(params url.Values, opts Options) (*graphql.Request, *Error) {
	req := &graphql.Request{
		Query:         params.Get("query"),
		OperationName: params.Get("operationName"),
	}
	if v := params.Get("variables"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
			return nil, badRequest("variables are invalid JSON")
		}
	}
	if e := params.Get("extensions"); e != "" {
		if err := json.Unmarshal([]byte(e), &req.Extensions); err != nil {
			return nil, badRequest("extensions are invalid JSON")
		}
	}
	if err := validate(req, opts); err != nil {
		return nil, err
	}
	return req, nil
}

func validate(req *graphql.Request, opts Options) *Error {
	if req == nil {
		return badRequest("unable to parse request body as JSON")
	}
	if req.Query == "" && !opts.AllowDocumentLookup {
		return badRequest("no GraphQL query found in the request")
	}
	return nil
}

// OperationKind classifies the operation a request selects. It returns ""
// when the query does not parse or the named operation is missing; those
// failures belong to the engine, which reports them in GraphQL shape.
func OperationKind(req *graphql.Request) ast.Operation {
	if req.Query == "" {
		return ""
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: req.Query})
	if err != nil {
		return ""
	}
	op := doc.Operations.ForName(req.OperationName)
	if op == nil && req.OperationName == "" && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		return ""
	}
	return op.Operation
}
