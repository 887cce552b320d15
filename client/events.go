package client

import (
	"github.com/risa-org/matchlink/protocol"
	"github.com/risa-org/matchlink/transport"
)

// Event is everything a Client reports to its owner, in order, on the
// channel returned by Events().
type Event interface{ isClientEvent() }

// Connected is emitted once per successful open.
type Connected struct {
	URL string
}

// Disconnected is emitted when an open connection goes away.
type Disconnected struct {
	Intentional bool
	Reason      transport.DisconnectReason
	Err         error
}

// MessageReceived carries one well-formed inbound envelope.
type MessageReceived struct {
	Envelope protocol.Envelope
}

// Error reports a transport or decode failure. Terminal is set only when
// the reconnect budget is exhausted.
type Error struct {
	Err      error
	Terminal bool
}

func (Connected) isClientEvent()       {}
func (Disconnected) isClientEvent()    {}
func (MessageReceived) isClientEvent() {}
func (Error) isClientEvent()           {}
