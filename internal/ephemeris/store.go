package ephemeris

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNotReady is returned before any window has loaded.
	ErrNotReady = errors.New("ephemeris not ready")
	// ErrDayNotLoaded is returned for a day outside the loaded window.
	ErrDayNotLoaded = errors.New("day not in loaded ephemeris window")
)

// Store serves the current Snapshot. Safe for concurrent use.
type Store struct {
	snap atomic.Pointer[Snapshot]
}

// NewStore returns an empty Store; queries fail with ErrNotReady until the
// first Swap.
func NewStore() *Store {
	return &Store{}
}

// Current returns the live snapshot.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, ErrNotReady
	}
	return snap, nil
}

// Query returns the immutable sample buffer for a day key.
func (s *Store) Query(day string) (*Day, error) {
	snap, err := s.Current()
	if err != nil {
		return nil, err
	}
	d, ok := snap.Day(day)
	if !ok {
		return nil, ErrDayNotLoaded
	}
	return d, nil
}

// Ready reports whether a window has ever loaded.
func (s *Store) Ready() bool {
	return s.snap.Load() != nil
}

// Swap installs snap as the live window and returns the one it replaced.
// Days of the previous window become unreachable once in-flight readers
// drop their references.
func (s *Store) Swap(snap *Snapshot) *Snapshot {
	return s.snap.Swap(snap)
}
