package events

import "time"

// OperationStart is emitted before one operation is dispatched to the engine.
// BatchIndex is the operation's position in its batch, 0 for singles.
type OperationStart struct {
	Query         string
	OperationName string
	BatchIndex    int
}

// OperationFinish is emitted once the engine returns the operation's outcome.
type OperationFinish struct {
	Query         string
	OperationName string
	BatchIndex    int
	ErrorCount    int
	Duration      time.Duration
}
