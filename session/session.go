// Package session coordinates one multiplayer match session on top of a
// transport client: the lobby, room, match and result state machine, the
// outbound intents, inbound domain events, the periodic state broadcast and
// the wave-sync signal consumed by the round controller.
package session

import "errors"

var (
	// ErrInvalidState is returned when an intent is issued from a state
	// that does not allow it. Nothing is sent.
	ErrInvalidState = errors.New("session: intent not valid in current state")

	// ErrAlreadyReported is returned by SendPlayerDead after the first
	// report of a match.
	ErrAlreadyReported = errors.New("session: player death already reported")

	// ErrEmptyRoomCode is returned by JoinRoom for a blank code.
	ErrEmptyRoomCode = errors.New("session: empty room code")
)

// State represents where the session is in its lifecycle.
type State int

const (
	StateDisconnected State = iota // no connection, initial and after any close
	StateConnecting                // Connect issued, waiting for the transport
	StateInLobby                   // connected, not in a room
	StateInRoom                    // room created or joined, waiting for match-start
	StatePlaying                   // match running, broadcasting state
	StateResult                    // match-result received
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInLobby:
		return "in_lobby"
	case StateInRoom:
		return "in_room"
	case StatePlaying:
		return "playing"
	case StateResult:
		return "result"
	default:
		return "unknown"
	}
}

// InRoomOrLater reports whether the state requires an open connection.
func (s State) InRoomOrLater() bool {
	return s == StateInRoom || s == StatePlaying || s == StateResult
}

// transitions lists the legal moves. Disconnected is reachable from
// everywhere and is handled before the table is consulted.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateInLobby},
	StateInLobby:      {StateInRoom},
	StateInRoom:       {StatePlaying, StateInLobby},
	StatePlaying:      {StateResult},
	StateResult:       {StateInLobby},
}

// isValidTransition defines which state changes are legal.
func isValidTransition(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	for _, valid := range transitions[from] {
		if to == valid {
			return true
		}
	}
	return false
}
