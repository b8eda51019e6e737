package position

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Store persists the open-position set keyed by instrument. At most one
// active position per instrument; Open refuses a second. Atomic temp+rename
// writes keep the file loadable after a crash.
type Store struct {
	mu       sync.RWMutex
	filePath string
	state    storeState
}

type storeState struct {
	Version   int64                `json:"version"`
	UpdatedAt string               `json:"updated_at"`
	Positions map[string]*Position `json:"positions"`
}

func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		state:    storeState{Positions: make(map[string]*Position)},
	}
}

// Load restores open positions from disk; a missing file starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s.saveUnsafe()
		}
		return fmt.Errorf("read positions: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("unmarshal positions: %w", err)
	}
	if s.state.Positions == nil {
		s.state.Positions = make(map[string]*Position)
	}
	return nil
}

// Open registers a new position. Refused when one is already active for the
// instrument.
func (s *Store) Open(pos *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.Positions[pos.Instrument]; exists {
		return fmt.Errorf("position already active for %s", pos.Instrument)
	}
	s.state.Positions[pos.Instrument] = pos
	return s.saveUnsafe()
}

// Get returns a copy of the position for an instrument.
func (s *Store) Get(instrument string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.state.Positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Update applies fn to the live position under the store lock and persists.
func (s *Store) Update(instrument string, fn func(*Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.state.Positions[instrument]
	if !ok {
		return fmt.Errorf("no active position for %s", instrument)
	}
	fn(pos)
	return s.saveUnsafe()
}

// Close removes a fully exited position.
func (s *Store) Close(instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Positions[instrument]; !ok {
		return fmt.Errorf("no active position for %s", instrument)
	}
	delete(s.state.Positions, instrument)
	return s.saveUnsafe()
}

// Instruments lists instruments with an active position.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.state.Positions))
	for k := range s.state.Positions {
		out = append(out, k)
	}
	return out
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Positions)
}

// OpenValue sums remaining notional at the given mark prices; instruments
// missing a mark fall back to entry price.
func (s *Store) OpenValue(marks map[string]float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0.0
	for instrument, pos := range s.state.Positions {
		price, ok := marks[instrument]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		total += float64(pos.RemainingQuantity) * price
	}
	return total
}

func (s *Store) saveUnsafe() error {
	if s.filePath == "" {
		return nil
	}
	s.state.Version++
	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp positions: %w", err)
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename positions: %w", err)
	}
	return nil
}
