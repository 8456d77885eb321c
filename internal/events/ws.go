package events

import "time"

// WSOpen is emitted when a WebSocket connection is accepted, before the
// connection_init handshake.
type WSOpen struct {
	ConnectionID string
	Subprotocol  string
}

// WSClose is emitted when a connection reaches its terminal state.
type WSClose struct {
	ConnectionID string
	Subprotocol  string
	CloseCode    int
	Duration     time.Duration
}

// SubscriptionStart is emitted when a subscribe message registers a new
// operation on a connection.
type SubscriptionStart struct {
	ConnectionID string
	OperationID  string
	Query        string
}

// SubscriptionFinish is emitted when an operation's stream ends, whether by
// exhaustion, client stop, engine error, or connection teardown.
type SubscriptionFinish struct {
	ConnectionID string
	OperationID  string
	Outcomes     int
	Errored      bool
	Duration     time.Duration
}
