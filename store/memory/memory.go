package memory

import (
	"context"
	"sync"

	"github.com/risa-org/matchlink/session"
)

// Store is a thread-safe in-memory implementation of session.ResultStore.
// Suitable for tests and short-lived bots; history is lost on restart.
type Store struct {
	mu      sync.RWMutex
	records []session.MatchRecord
	limit   int
}

// New creates an empty store. limit > 0 keeps only the newest limit
// records.
func New(limit int) *Store {
	return &Store{limit: limit}
}

// Record appends a finished match. Satisfies session.ResultStore.
func (s *Store) Record(ctx context.Context, rec session.MatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	if s.limit > 0 && len(s.records) > s.limit {
		s.records = append([]session.MatchRecord(nil), s.records[len(s.records)-s.limit:]...)
	}
	s.mu.Unlock()
	return nil
}

// History returns a copy of the stored records, oldest first.
func (s *Store) History() []session.MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.MatchRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Last returns the most recent record.
func (s *Store) Last() (session.MatchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return session.MatchRecord{}, false
	}
	return s.records[len(s.records)-1], true
}

// Count returns the number of records currently held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Wins counts records the local player won.
func (s *Store) Wins() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Result.IsWinner {
			n++
		}
	}
	return n
}
