package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/trafficiq/trafficiq/pkg/types"
)

// Store is a thread-safe holder of the traffic snapshot.
type Store struct {
	mu          sync.RWMutex
	lanes       [types.NumDirections]types.LaneState
	green       types.Direction
	lastUpdated time.Time
	now         func() time.Time // injectable for deterministic tests
}

// New creates a Store with all counts at zero and no green signal.
func New() *Store {
	return &Store{
		green: types.NoDirection,
		now:   time.Now,
	}
}

// Get returns a copy of the current state.
func (s *Store) Get() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.Snapshot{
		Lanes:       s.lanes,
		GreenSignal: s.green,
		LastUpdated: s.lastUpdated,
	}
}

// UpdateLane replaces the state of lane d and advances the last-updated time.
// Other lanes are untouched.
func (s *Store) UpdateLane(d types.Direction, vehicleCount int, imageRef string) error {
	if !d.Valid() {
		return fmt.Errorf("store: update lane: %w: %s", types.ErrInvalidDirection, d)
	}
	if vehicleCount < 0 {
		return fmt.Errorf("store: update lane %s: %w", d, types.ErrNegativeCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[d] = types.LaneState{VehicleCount: vehicleCount, ImageReference: imageRef}
	s.advance()
	return nil
}

// SetGreenSignal grants right-of-way to lane d. Lane data and the
// last-updated time are not touched. The NoDirection sentinel is rejected;
// only Reset clears the signal.
func (s *Store) SetGreenSignal(d types.Direction) error {
	if !d.Valid() {
		return fmt.Errorf("store: set green signal: %w: %s", types.ErrInvalidDirection, d)
	}
	s.mu.Lock()
	s.green = d
	s.mu.Unlock()
	return nil
}

// Reset zeroes every lane, clears the green signal and advances the
// last-updated time.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes = [types.NumDirections]types.LaneState{}
	s.green = types.NoDirection
	s.advance()
}

// advance moves lastUpdated forward. A clock reading that does not move past
// the previous value is bumped by a nanosecond so the timestamp only grows.
// Must be called with mu held.
func (s *Store) advance() {
	t := s.now()
	if !t.After(s.lastUpdated) {
		t = s.lastUpdated.Add(time.Nanosecond)
	}
	s.lastUpdated = t
}
