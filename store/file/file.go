package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/risa-org/matchlink/session"
)

// Store is a file-backed implementation of session.ResultStore.
// Match history is persisted as a JSON array and survives restarts.
// Not suitable for several processes sharing one file.
type Store struct {
	mu      sync.RWMutex
	path    string
	records []session.MatchRecord
}

// New creates a file-backed store at the given path.
// If the file exists, history is loaded from it on startup.
// If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{path: path}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load match history from %s: %w", path, err)
	}

	return s, nil
}

// Record appends a finished match and flushes to disk.
func (s *Store) Record(ctx context.Context, rec session.MatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	err := s.flush()
	if err != nil {
		// keep memory and disk in agreement
		s.records = s.records[:len(s.records)-1]
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to persist match record: %w", err)
	}
	return nil
}

// History returns a copy of every record, oldest first.
func (s *Store) History() []session.MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.MatchRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Count returns the number of records stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// load reads history from the JSON file into memory.
// Called once at startup. If the file doesn't exist, returns nil.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh start, no file yet
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &s.records)
}

// flush writes the current in-memory history to the JSON file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// write to a temp file then rename, atomic on most systems
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
