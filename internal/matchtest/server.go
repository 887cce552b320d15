package matchtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/risa-org/matchlink/protocol"
	"github.com/rs/zerolog"
)

// Received is one client frame seen by the Server.
type Received struct {
	ConnID   string
	Envelope protocol.Envelope
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithPlayersPerMatch sets how many ready players start a match. The
// default is 2.
func WithPlayersPerMatch(n int) ServerOption {
	return func(s *Server) { s.playersPerMatch = n }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Server is a small in-process match server speaking the wire protocol
// over websocket. It implements enough of the room and match flow for
// end-to-end tests and lets the test push arbitrary frames or drop every
// connection.
type Server struct {
	http     *httptest.Server
	upgrader websocket.Upgrader
	log      zerolog.Logger

	playersPerMatch int
	received        chan Received

	mu      sync.Mutex
	conns   map[string]*serverConn
	rooms   map[string]*room
	waiting string // room code open for auto-match
	accepts int

	wg sync.WaitGroup
}

type serverConn struct {
	id   string
	ws   *websocket.Conn
	wmu  sync.Mutex
	name string
	room string
}

type room struct {
	code    string
	id      string
	members []*serverConn
	ready   map[string]bool
	dead    map[string]int
	started bool
}

// NewServer starts a Server on a loopback port.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:             zerolog.Nop(),
		playersPerMatch: 2,
		received:        make(chan Received, 1024),
		conns:           make(map[string]*serverConn),
		rooms:           make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWS)
	s.http = httptest.NewServer(r)
	return s
}

// URL is the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// HealthURL is the plain HTTP health endpoint.
func (s *Server) HealthURL() string { return s.http.URL + "/healthz" }

// Received streams every decoded client frame, heartbeats included.
func (s *Server) Received() <-chan Received { return s.received }

// Accepts counts websocket upgrades so far.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// ConnIDs lists the live connections.
func (s *Server) ConnIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends one frame to every live connection.
func (s *Server) Broadcast(kind protocol.Kind, payload any) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.send(c, kind, payload)
	}
}

// SendRaw writes an arbitrary text frame to every live connection.
func (s *Server) SendRaw(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.wmu.Lock()
		_ = c.ws.WriteMessage(websocket.TextMessage, frame)
		c.wmu.Unlock()
	}
}

// DropAll closes every connection without a close handshake, the way a
// crashed server or a dead network looks to the client.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.ws.NetConn().Close()
	}
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.http.Close()
	s.wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &serverConn{id: uuid.NewString(), ws: ws}

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[c.id] = c
	s.accepts++
	s.mu.Unlock()
	s.log.Debug().Str("conn", c.id).Msg("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.leaveLocked(c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.send(c, protocol.KindError, protocol.Error{Code: "BAD_ENVELOPE", Message: err.Error()})
			continue
		}
		select {
		case s.received <- Received{ConnID: c.id, Envelope: env}:
		default:
		}
		s.handle(c, env)
	}
}

func (s *Server) handle(c *serverConn, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindHeartbeat:
		// nothing to answer

	case protocol.KindRoomCreate:
		var p protocol.RoomCreate
		if s.decode(c, env, &p) {
			s.mu.Lock()
			c.name = p.PlayerName
			rm := s.newRoomLocked()
			s.joinLocked(rm, c)
			s.mu.Unlock()
		}

	case protocol.KindRoomJoin:
		var p protocol.RoomJoin
		if !s.decode(c, env, &p) {
			return
		}
		s.mu.Lock()
		c.name = p.PlayerName
		rm, ok := s.rooms[strings.ToUpper(p.RoomCode)]
		if !ok || rm.started || len(rm.members) >= s.playersPerMatch {
			s.mu.Unlock()
			s.send(c, protocol.KindError, protocol.Error{Code: "ROOM_NOT_FOUND", Message: "no joinable room " + p.RoomCode})
			return
		}
		s.joinLocked(rm, c)
		s.mu.Unlock()

	case protocol.KindRoomAutoMatch:
		var p protocol.RoomAutoMatch
		if s.decode(c, env, &p) {
			s.mu.Lock()
			c.name = p.PlayerName
			rm, ok := s.rooms[s.waiting]
			if !ok || rm.started || len(rm.members) >= s.playersPerMatch {
				rm = s.newRoomLocked()
				s.waiting = rm.code
			}
			s.joinLocked(rm, c)
			s.mu.Unlock()
		}

	case protocol.KindPlayerReady:
		s.mu.Lock()
		if rm, ok := s.rooms[c.room]; ok {
			rm.ready[c.id] = true
			s.maybeStartLocked(rm)
		}
		s.mu.Unlock()

	case protocol.KindGameStateUpdate:
		var p protocol.GameStateUpdate
		if !s.decode(c, env, &p) {
			return
		}
		s.mu.Lock()
		rm := s.rooms[c.room]
		s.mu.Unlock()
		if rm == nil {
			return
		}
		s.toOthers(rm, c, protocol.KindOpponentState, protocol.OpponentState{
			PlayerName:     c.name,
			Life:           p.Life,
			Round:          p.Round,
			Gold:           p.Gold,
			MonstersKilled: p.MonstersKilled,
			UnitCount:      p.UnitCount,
			IsAlive:        p.Life > 0,
		})

	case protocol.KindPlayerDead:
		var p protocol.PlayerDead
		if s.decode(c, env, &p) {
			s.playerDead(c, p)
		}

	default:
		s.send(c, protocol.KindError, protocol.Error{Code: "UNKNOWN_KIND", Message: string(env.Kind)})
	}
}

func (s *Server) decode(c *serverConn, env protocol.Envelope, dst any) bool {
	if err := protocol.DecodePayload(env, dst); err != nil {
		s.send(c, protocol.KindError, protocol.Error{Code: "BAD_PAYLOAD", Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) newRoomLocked() *room {
	id := uuid.New()
	rm := &room{
		code:  strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:4]),
		id:    id.String(),
		ready: make(map[string]bool),
		dead:  make(map[string]int),
	}
	s.rooms[rm.code] = rm
	return rm
}

func (s *Server) joinLocked(rm *room, c *serverConn) {
	rm.members = append(rm.members, c)
	c.room = rm.code
	s.wg.Add(1)
	go func(members []*serverConn) {
		defer s.wg.Done()
		s.send(c, protocol.KindRoomCreated, protocol.RoomCreated{RoomCode: rm.code, RoomID: protocol.FlexString(rm.id)})
		for _, m := range members {
			s.send(m, protocol.KindPlayerJoined, protocol.PlayerJoined{PlayerName: c.name, PlayerCount: len(members)})
		}
	}(append([]*serverConn(nil), rm.members...))
}

func (s *Server) leaveLocked(c *serverConn) {
	rm, ok := s.rooms[c.room]
	if !ok {
		return
	}
	kept := rm.members[:0]
	for _, m := range rm.members {
		if m != c {
			kept = append(kept, m)
		}
	}
	rm.members = kept
	if len(rm.members) == 0 {
		delete(s.rooms, rm.code)
	}
}

func (s *Server) maybeStartLocked(rm *room) {
	if rm.started || len(rm.members) < s.playersPerMatch {
		return
	}
	for _, m := range rm.members {
		if !rm.ready[m.id] {
			return
		}
	}
	rm.started = true
	if s.waiting == rm.code {
		s.waiting = ""
	}
	members := append([]*serverConn(nil), rm.members...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, m := range members {
			s.send(m, protocol.KindMatchStart, protocol.MatchStart{TotalPlayers: len(members), StartRound: 1})
		}
	}()
}

// playerDead ends the match as soon as one player is left standing, or
// immediately when the match has a single player.
func (s *Server) playerDead(c *serverConn, p protocol.PlayerDead) {
	s.mu.Lock()
	rm, ok := s.rooms[c.room]
	if !ok || !rm.started {
		s.mu.Unlock()
		return
	}
	rm.dead[c.id] = p.FinalRound
	members := append([]*serverConn(nil), rm.members...)
	alive := len(members) - len(rm.dead)
	s.mu.Unlock()

	s.toOthers(rm, c, protocol.KindOpponentDead, protocol.OpponentDead{PlayerName: c.name, FinalRound: p.FinalRound})
	if alive > 1 {
		return
	}

	s.mu.Lock()
	dead := make(map[string]int, len(rm.dead))
	for k, v := range rm.dead {
		dead[k] = v
	}
	s.mu.Unlock()

	for _, m := range members {
		myRound, isDead := dead[m.id]
		opponentRound := 0
		for _, o := range members {
			if o != m {
				opponentRound = dead[o.id]
			}
		}
		s.send(m, protocol.KindMatchResult, protocol.MatchResult{
			IsWinner:      !isDead,
			MyRound:       myRound,
			OpponentRound: opponentRound,
		})
	}
}

func (s *Server) toOthers(rm *room, from *serverConn, kind protocol.Kind, payload any) {
	s.mu.Lock()
	members := append([]*serverConn(nil), rm.members...)
	s.mu.Unlock()
	for _, m := range members {
		if m != from {
			s.send(m, kind, payload)
		}
	}
}

func (s *Server) send(c *serverConn, kind protocol.Kind, payload any) {
	env, err := protocol.Encode(kind, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("encode")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Debug().Err(err).Str("conn", c.id).Msg("write failed")
	}
}
