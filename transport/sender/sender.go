package sender

import (
	"github.com/risa-org/matchlink/protocol"
)

// Sink is anything that accepts finished envelopes, normally *client.Client.
type Sink interface {
	Send(env protocol.Envelope) error
}

// Sender is the single place where outgoing payloads are encoded into
// envelopes and handed to the transport.
//
// Without it every intent would repeat:
//
//	env, err := protocol.Encode(kind, payload)
//	if err != nil { ... }
//	sink.Send(env)
//
// Sender collapses this to one call:
//
//	sender.Send(protocol.KindPlayerReady, protocol.PlayerReady{RoomCode: code})
type Sender struct {
	sink Sink
}

// New creates a Sender that delivers envelopes to sink.
func New(sink Sink) *Sender {
	return &Sender{sink: sink}
}

// Send encodes payload under kind and forwards it. Encoding failures are
// returned without touching the sink.
func (s *Sender) Send(kind protocol.Kind, payload any) error {
	env, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	return s.sink.Send(env)
}

// Sink returns the underlying envelope sink.
func (s *Sender) Sink() Sink {
	return s.sink
}
