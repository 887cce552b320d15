package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// -------------------------------------------------------
// Client to server payloads
// -------------------------------------------------------

type RoomCreate struct {
	PlayerName string `json:"playerName"`
}

type RoomJoin struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
}

type RoomAutoMatch struct {
	PlayerName string `json:"playerName"`
}

type PlayerReady struct {
	RoomCode string `json:"roomCode"`
}

type GameStateUpdate struct {
	Life           int `json:"life"`
	Round          int `json:"round"`
	Gold           int `json:"gold"`
	MonstersKilled int `json:"monstersKilled"`
	UnitCount      int `json:"unitCount"`
}

type PlayerDead struct {
	FinalRound   int `json:"finalRound"`
	Contribution int `json:"contribution"`
}

// Heartbeat carries a millisecond epoch timestamp.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// -------------------------------------------------------
// Server to client payloads
// -------------------------------------------------------

type RoomCreated struct {
	RoomCode string     `json:"roomCode"`
	RoomID   FlexString `json:"roomId"`
}

type PlayerJoined struct {
	PlayerName  string `json:"playerName"`
	PlayerCount int    `json:"playerCount"`
}

type MatchStart struct {
	TotalPlayers int `json:"totalPlayers"`
	StartRound   int `json:"startRound"`
}

type WaveSync struct {
	Round int `json:"round"`
}

type OpponentState struct {
	PlayerName     string `json:"playerName"`
	Life           int    `json:"life"`
	Round          int    `json:"round"`
	Gold           int    `json:"gold"`
	MonstersKilled int    `json:"monstersKilled"`
	UnitCount      int    `json:"unitCount"`
	IsAlive        bool   `json:"isAlive"`
}

type OpponentDead struct {
	PlayerName string `json:"playerName"`
	FinalRound int    `json:"finalRound"`
}

type MatchResult struct {
	IsWinner             bool `json:"isWinner"`
	MyRound              int  `json:"myRound"`
	OpponentRound        int  `json:"opponentRound"`
	MyContribution       int  `json:"myContribution"`
	OpponentContribution int  `json:"opponentContribution"`
}

type Error struct {
	Code    FlexString `json:"code"`
	Message string     `json:"message"`
}

// FlexString accepts either a JSON string or a JSON number and keeps the
// textual form. Servers disagree on whether ids and error codes are numeric.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(strings.TrimSpace(n.String()))
	return nil
}

func (f FlexString) String() string { return string(f) }
