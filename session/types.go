package session

import (
	"context"
	"time"
)

// Room is the room the local player is in. Code never changes while the
// room exists.
type Room struct {
	Code       string
	RoomID     string
	PlayerName string
}

// OpponentSnapshot mirrors the last opponent-state frame. Each frame
// replaces the whole snapshot.
type OpponentSnapshot struct {
	PlayerName     string `json:"playerName"`
	Life           int    `json:"life"`
	Round          int    `json:"round"`
	Gold           int    `json:"gold"`
	MonstersKilled int    `json:"monstersKilled"`
	UnitCount      int    `json:"unitCount"`
	IsAlive        bool   `json:"isAlive"`
}

// MatchResult is the server's verdict for a finished match.
type MatchResult struct {
	IsWinner             bool `json:"isWinner"`
	MyRound              int  `json:"myRound"`
	OpponentRound        int  `json:"opponentRound"`
	MyContribution       int  `json:"myContribution"`
	OpponentContribution int  `json:"opponentContribution"`
}

// GameplaySnapshot is what the periodic broadcast sends.
type GameplaySnapshot struct {
	Life           int
	Round          int
	Gold           int
	MonstersKilled int
	UnitCount      int
}

// Gameplay is the local game the Coordinator samples while playing.
type Gameplay interface {
	Snapshot() GameplaySnapshot
}

// DeathReport is delivered once the local player's life reaches zero.
type DeathReport struct {
	FinalRound   int
	Contribution int
}

// DeathNotifier is optionally implemented by a Gameplay. Reports received
// while playing are sent as player-dead.
type DeathNotifier interface {
	Deaths() <-chan DeathReport
}

// MatchRecord is one finished match as handed to a ResultStore.
type MatchRecord struct {
	RoomCode   string            `json:"roomCode"`
	RoomID     string            `json:"roomId,omitempty"`
	PlayerName string            `json:"playerName"`
	Result     MatchResult       `json:"result"`
	Opponent   *OpponentSnapshot `json:"opponent,omitempty"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// ResultStore records finished matches.
type ResultStore interface {
	Record(ctx context.Context, rec MatchRecord) error
}
