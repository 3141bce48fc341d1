package jobs

import (
	"errors"
	"sync"

	"omr-viewer/internal/domain"
)

// ErrJobAlreadyRunning is returned when a second job begins before the
// first one finished.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrNoRunningJob is returned when Finish is called while idle.
var ErrNoRunningJob = errors.New("no running job")

// StatusStore holds the single current StatusSnapshot. Writers replace the
// whole snapshot under the lock, so readers never see a mix of two states.
type StatusStore struct {
	mu      sync.RWMutex
	current domain.StatusSnapshot
}

// NewStatusStore creates a store in idle state with nothing to show.
func NewStatusStore() *StatusStore {
	return &StatusStore{}
}

// Begin marks filename as in flight. The previous output stays visible
// until Finish publishes the new one.
func (s *StatusStore) Begin(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Processing {
		return ErrJobAlreadyRunning
	}

	s.current = domain.StatusSnapshot{
		Processing:         true,
		ActiveFilename:     filename,
		LastOutputFilename: s.current.LastOutputFilename,
	}
	return nil
}

// Finish publishes output as the latest result and returns to idle.
// An empty output means there is nothing to display.
func (s *StatusStore) Finish(output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current.Processing {
		return ErrNoRunningJob
	}

	s.current = domain.StatusSnapshot{
		LastOutputFilename: output,
	}
	return nil
}

// Snapshot returns a copy of the current status.
func (s *StatusStore) Snapshot() domain.StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// IsProcessing reports whether a job is in flight.
func (s *StatusStore) IsProcessing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Processing
}
