package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when a transport call is received.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the transport response is written.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}
