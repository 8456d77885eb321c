// Package ws runs the GraphQL subscription protocol over persistent
// connections. Two sub-protocol variants are supported, selected at
// handshake time: graphql-transport-ws and the older graphql-ws vocabulary.
// The state machine is shared; only the message naming differs.
package ws

import (
	"encoding/json"
	"fmt"

	graphql "github.com/soketto/graphserve/internal/graphql"
)

// Protocol identifies the negotiated sub-protocol variant.
type Protocol string

const (
	// ProtocolTransport is the graphql-transport-ws sub-protocol
	// (connection_init/subscribe/next/complete, ping/pong).
	ProtocolTransport Protocol = "graphql-transport-ws"

	// ProtocolLegacy is the older graphql-ws sub-protocol
	// (connection_init/start/data/stop, ka keep-alives).
	ProtocolLegacy Protocol = "graphql-ws"
)

// Subprotocols lists the handshake tokens the server accepts, preferred
// variant first.
func Subprotocols() []string {
	return []string{string(ProtocolTransport), string(ProtocolLegacy)}
}

// Close codes reserved by the sub-protocols for protocol violations.
const (
	CloseNormal                 = 1000
	CloseUnsupportedData        = 1002
	CloseInternalError          = 1011
	CloseBadRequest             = 4400
	CloseUnauthorized           = 4401
	CloseSubprotocolNotAccepted = 4406
	CloseInitTimeout            = 4408
	CloseSubscriberExists       = 4409
	CloseTooManyInit            = 4429
)

// Kind is the closed set of message variants. Wire type strings are decoded
// into a Kind once at the protocol boundary; nothing downstream compares
// strings.
type Kind int

const (
	KindInvalid Kind = iota
	KindConnectionInit
	KindConnectionAck
	KindConnectionError
	KindConnectionTerminate
	KindKeepAlive
	KindPing
	KindPong
	KindSubscribe
	KindNext
	KindError
	KindComplete
)

// Message is one protocol frame after tag decoding.
type Message struct {
	Kind    Kind
	ID      string
	Payload json.RawMessage
}

type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var transportKinds = map[string]Kind{
	"connection_init": KindConnectionInit,
	"connection_ack":  KindConnectionAck,
	"ping":            KindPing,
	"pong":            KindPong,
	"subscribe":       KindSubscribe,
	"next":            KindNext,
	"error":           KindError,
	"complete":        KindComplete,
}

var legacyKinds = map[string]Kind{
	"connection_init":      KindConnectionInit,
	"connection_ack":       KindConnectionAck,
	"connection_error":     KindConnectionError,
	"connection_terminate": KindConnectionTerminate,
	"ka":                   KindKeepAlive,
	"start":                KindSubscribe,
	"data":                 KindNext,
	"error":                KindError,
	"complete":             KindComplete,
	"stop":                 KindComplete,
}

// tag names for encoding, per variant. Client-only tags are included so
// tests can drive both sides with the same codec.
var transportTags = map[Kind]string{
	KindConnectionInit: "connection_init",
	KindConnectionAck:  "connection_ack",
	KindPing:           "ping",
	KindPong:           "pong",
	KindSubscribe:      "subscribe",
	KindNext:           "next",
	KindError:          "error",
	KindComplete:       "complete",
}

var legacyTags = map[Kind]string{
	KindConnectionInit:      "connection_init",
	KindConnectionAck:       "connection_ack",
	KindConnectionError:     "connection_error",
	KindConnectionTerminate: "connection_terminate",
	KindKeepAlive:           "ka",
	KindSubscribe:           "start",
	KindNext:                "data",
	KindError:               "error",
	KindComplete:            "complete",
}

// DecodeMessage parses one frame under the given variant's vocabulary.
// Unknown type tags are a protocol violation.
func DecodeMessage(proto Protocol, raw []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	kinds := transportKinds
	if proto == ProtocolLegacy {
		kinds = legacyKinds
	}
	kind, ok := kinds[wire.Type]
	if !ok {
		return Message{}, fmt.Errorf("unknown message type %q", wire.Type)
	}
	return Message{Kind: kind, ID: wire.ID, Payload: wire.Payload}, nil
}

// EncodeMessage renders a frame under the given variant's vocabulary.
func EncodeMessage(proto Protocol, msg Message) ([]byte, error) {
	tags := transportTags
	if proto == ProtocolLegacy {
		tags = legacyTags
	}
	tag, ok := tags[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("kind %d has no %s tag", msg.Kind, proto)
	}
	return json.Marshal(wireMessage{Type: tag, ID: msg.ID, Payload: msg.Payload})
}

// SubscribePayload is the operation carried by a subscribe/start message.
type SubscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Request converts the payload into the canonical operation request.
func (p SubscribePayload) Request() *graphql.Request {
	return &graphql.Request{
		Query:         p.Query,
		OperationName: p.OperationName,
		Variables:     p.Variables,
		Extensions:    p.Extensions,
	}
}

// nextPayload renders one outcome for a next/data message.
func nextPayload(res *graphql.Result) (json.RawMessage, error) {
	return json.Marshal(res)
}

// errorPayload renders an error list the way each variant expects: the
// transport variant carries an array of GraphQL errors, the legacy variant a
// single error object.
func errorPayload(proto Protocol, errs []graphql.Error) (json.RawMessage, error) {
	if len(errs) == 0 {
		errs = []graphql.Error{{Message: "subscription failed"}}
	}
	if proto == ProtocolLegacy {
		return json.Marshal(errs[0])
	}
	return json.Marshal(errs)
}
