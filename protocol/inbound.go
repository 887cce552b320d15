package protocol

import "fmt"

// Inbound is the decoded form of a server to client envelope. The concrete
// type is one of the server payload structs in this package.
type Inbound interface{ isInbound() }

func (RoomCreated) isInbound()   {}
func (PlayerJoined) isInbound()  {}
func (MatchStart) isInbound()    {}
func (WaveSync) isInbound()      {}
func (OpponentState) isInbound() {}
func (OpponentDead) isInbound()  {}
func (MatchResult) isInbound()   {}
func (Error) isInbound()         {}

// decoders maps each server kind to its payload decoder. The kind is always
// resolved before any structural decode of the payload is attempted.
var decoders = map[Kind]func(Envelope) (Inbound, error){
	KindRoomCreated:   decodeAs[RoomCreated],
	KindPlayerJoined:  decodeAs[PlayerJoined],
	KindMatchStart:    decodeAs[MatchStart],
	KindWaveSync:      decodeAs[WaveSync],
	KindOpponentState: decodeAs[OpponentState],
	KindOpponentDead:  decodeAs[OpponentDead],
	KindMatchResult:   decodeAs[MatchResult],
	KindError:         decodeAs[Error],
}

func decodeAs[T Inbound](env Envelope) (Inbound, error) {
	var v T
	if err := DecodePayload(env, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInbound dispatches on env.Kind and decodes the payload into the
// matching server message. Unknown kinds return ErrUnknownKind.
func DecodeInbound(env Envelope) (Inbound, error) {
	decode, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return decode(env)
}
