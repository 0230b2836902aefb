package transport

import "github.com/matheus3301/chatsync/internal/wire"

// EventKind identifies what a transport Event reports.
type EventKind string

const (
	// EventFrame carries an inbound frame.
	EventFrame EventKind = "frame"
	// EventConnected follows every successful handshake, first or reconnect.
	EventConnected EventKind = "connected"
	// EventReconnecting reports a dropped connection; backoff has started.
	EventReconnecting EventKind = "reconnecting"
	// EventBackpressure reports frames dropped from a full send buffer.
	EventBackpressure EventKind = "backpressure"
	// EventConnectionLost is terminal: reconnects are exhausted.
	EventConnectionLost EventKind = "connection_lost"
	// EventAuthFailed is terminal: the server rejected the credentials.
	EventAuthFailed EventKind = "auth_failed"
)

// Event is delivered to the Handler.
type Event struct {
	Kind    EventKind
	Frame   wire.Frame
	Dropped int
	Err     error
}
