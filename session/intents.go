package session

import (
	"fmt"
	"strings"

	"github.com/risa-org/matchlink/protocol"
)

// CreateRoom asks the server for a new room. InLobby only.
func (c *Coordinator) CreateRoom() error {
	return c.send(StateInLobby, protocol.KindRoomCreate, protocol.RoomCreate{PlayerName: c.cfg.PlayerName})
}

// JoinRoom joins an existing room by code. InLobby only.
func (c *Coordinator) JoinRoom(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyRoomCode
	}
	return c.send(StateInLobby, protocol.KindRoomJoin, protocol.RoomJoin{RoomCode: code, PlayerName: c.cfg.PlayerName})
}

// RequestAutoMatch asks the server to pair us with anyone. InLobby only.
func (c *Coordinator) RequestAutoMatch() error {
	return c.send(StateInLobby, protocol.KindRoomAutoMatch, protocol.RoomAutoMatch{PlayerName: c.cfg.PlayerName})
}

// SendReady marks the local player ready in the current room. InRoom only.
func (c *Coordinator) SendReady() error {
	c.mu.RLock()
	state, room := c.state, c.room
	c.mu.RUnlock()
	if state != StateInRoom || room == nil {
		return c.reject(protocol.KindPlayerReady, state)
	}
	return c.deliver(protocol.KindPlayerReady, protocol.PlayerReady{RoomCode: room.Code})
}

// SendStateUpdate pushes one gameplay sample. Playing only. The periodic
// broadcast calls this; callers may also push out of band.
func (c *Coordinator) SendStateUpdate(s GameplaySnapshot) error {
	return c.send(StatePlaying, protocol.KindGameStateUpdate, protocol.GameStateUpdate{
		Life:           s.Life,
		Round:          s.Round,
		Gold:           s.Gold,
		MonstersKilled: s.MonstersKilled,
		UnitCount:      s.UnitCount,
	})
}

// SendPlayerDead reports the local player's death. Playing only, once per
// match.
func (c *Coordinator) SendPlayerDead(finalRound, contribution int) error {
	c.mu.Lock()
	if c.state != StatePlaying {
		state := c.state
		c.mu.Unlock()
		return c.reject(protocol.KindPlayerDead, state)
	}
	if c.deathSent {
		c.mu.Unlock()
		return ErrAlreadyReported
	}
	c.deathSent = true
	c.mu.Unlock()

	c.log.Info().Int("final_round", finalRound).Int("contribution", contribution).Msg("reporting player death")
	err := c.deliver(protocol.KindPlayerDead, protocol.PlayerDead{FinalRound: finalRound, Contribution: contribution})
	if err != nil {
		// not delivered, a retry may report it
		c.mu.Lock()
		c.deathSent = false
		c.mu.Unlock()
	}
	return err
}

// LeaveRoom drops the local room and returns to the lobby. Valid in InRoom
// and Result. Nothing is sent; the server notices on its own.
func (c *Coordinator) LeaveRoom() error {
	var p pending
	c.mu.Lock()
	if c.state != StateInRoom && c.state != StateResult {
		state := c.state
		c.mu.Unlock()
		return c.reject("leave-room", state)
	}
	c.transitionLocked(&p, StateInLobby)
	c.room = nil
	c.opponent = nil
	c.mu.Unlock()
	c.flush(p)
	return nil
}

func (c *Coordinator) send(want State, kind protocol.Kind, payload any) error {
	state := c.State()
	if state != want {
		return c.reject(kind, state)
	}
	return c.deliver(kind, payload)
}

func (c *Coordinator) deliver(kind protocol.Kind, payload any) error {
	if err := c.sender.Send(kind, payload); err != nil {
		return fmt.Errorf("session: send %s: %w", kind, err)
	}
	return nil
}

func (c *Coordinator) reject(kind protocol.Kind, state State) error {
	c.log.Warn().Str("intent", kind.String()).Str("state", state.String()).Msg("intent rejected")
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, kind, state)
}
