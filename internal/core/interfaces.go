package core

import (
	"context"
	"errors"
)

var (
	ErrTransportClosed = errors.New("transport closed")

	// ErrBackpressure means the transport's send buffer is momentarily full.
	// The connection is still alive; callers may retry shortly.
	ErrBackpressure = errors.New("transport backpressure")
)

// State of the managed connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Transport is one live bidirectional connection to the relay.
// Owned exclusively by the connection manager; the manager must Close() it.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Hooks carries the inbound callbacks the connection manager wires into a
// transport once, at dial time. A nil hook is simply skipped.
type Hooks struct {
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Dialer establishes transports. Dial returning without error is the "open"
// signal; inbound traffic then flows through the hooks.
type Dialer interface {
	Dial(ctx context.Context, url string, hooks Hooks) (Transport, error)
}
