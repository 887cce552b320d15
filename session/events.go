package session

// Event is a domain event raised by the Coordinator. Subscribers receive
// them in the order the Coordinator raised them.
type Event interface{ isSessionEvent() }

// StateChanged is raised on every accepted state transition.
type StateChanged struct {
	From, To State
}

type RoomCreated struct {
	Code   string
	RoomID string
}

type PlayerJoined struct {
	Name  string
	Count int
}

type MatchStarted struct {
	TotalPlayers int
	StartRound   int
}

// WaveSync is raised exactly once per wave-sync frame received while
// playing.
type WaveSync struct {
	Round int
}

type OpponentStateUpdated struct {
	Snapshot OpponentSnapshot
}

type OpponentDead struct {
	Name  string
	Round int
}

type MatchEnded struct {
	Result MatchResult
}

// ServerError relays a server error frame. It never changes state.
type ServerError struct {
	Code    string
	Message string
}

// ConnectionError relays a transport failure. Terminal means the
// reconnect budget is spent and a manual Connect is required.
type ConnectionError struct {
	Err      error
	Terminal bool
}

func (StateChanged) isSessionEvent()         {}
func (RoomCreated) isSessionEvent()          {}
func (PlayerJoined) isSessionEvent()         {}
func (MatchStarted) isSessionEvent()         {}
func (WaveSync) isSessionEvent()             {}
func (OpponentStateUpdated) isSessionEvent() {}
func (OpponentDead) isSessionEvent()         {}
func (MatchEnded) isSessionEvent()           {}
func (ServerError) isSessionEvent()          {}
func (ConnectionError) isSessionEvent()      {}
