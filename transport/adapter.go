package transport

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned when you try to send on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// ErrUnsupportedScheme is returned by a dialer for URLs it cannot serve.
var ErrUnsupportedScheme = errors.New("transport: unsupported url scheme")

// DisconnectReason tells the client layer why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close
}

// Adapter is one physical, full-duplex connection carrying discrete text
// frames. The client layer only talks to this interface; it never imports
// a concrete transport.
type Adapter interface {
	// Send writes one frame. Returns ErrTransportClosed once the
	// connection is gone. Not safe for concurrent use; the client
	// serializes writes through a single writer goroutine.
	Send(ctx context.Context, frame []byte) error

	// Receive returns a channel of inbound frames in arrival order.
	// It is closed when the transport closes.
	Receive() <-chan []byte

	// Disconnected emits exactly one event when the transport closes,
	// for any reason.
	Disconnected() <-chan DisconnectEvent

	// Close shuts the transport down. Safe to call multiple times.
	Close() error
}

// Dialer opens a new Adapter to the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Adapter, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Adapter, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Adapter, error) {
	return f(ctx, url)
}
