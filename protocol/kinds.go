package protocol

// Kind is the envelope tag. The catalog is fixed and versionless; the wire
// does not enforce direction, the constants below only document it.
type Kind string

// Client to server.
const (
	KindRoomCreate      Kind = "room-create"
	KindRoomJoin        Kind = "room-join"
	KindRoomAutoMatch   Kind = "room-auto-match"
	KindPlayerReady     Kind = "player-ready"
	KindGameStateUpdate Kind = "game-state-update"
	KindPlayerDead      Kind = "player-dead"
	KindHeartbeat       Kind = "heartbeat"
)

// Server to client.
const (
	KindRoomCreated   Kind = "room-created"
	KindPlayerJoined  Kind = "player-joined"
	KindMatchStart    Kind = "match-start"
	KindWaveSync      Kind = "wave-sync"
	KindOpponentState Kind = "opponent-state"
	KindOpponentDead  Kind = "opponent-dead"
	KindMatchResult   Kind = "match-result"
	KindError         Kind = "error"
)

// Outbound reports whether k is a client to server kind.
func (k Kind) Outbound() bool {
	switch k {
	case KindRoomCreate, KindRoomJoin, KindRoomAutoMatch, KindPlayerReady,
		KindGameStateUpdate, KindPlayerDead, KindHeartbeat:
		return true
	}
	return false
}

// Inbound reports whether k is a server to client kind.
func (k Kind) Inbound() bool {
	switch k {
	case KindRoomCreated, KindPlayerJoined, KindMatchStart, KindWaveSync,
		KindOpponentState, KindOpponentDead, KindMatchResult, KindError:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
