package sink

import (
	"context"
	"fmt"

	"github.com/studiowebux/lanebench/internal/aggregate"
	"github.com/studiowebux/lanebench/internal/store"
)

// Store persists every report as a tick row and closes out the run record
// when the final report arrives.
type Store struct {
	manager *store.Manager
	runID   int64

	// Interrupted reports whether the run was cut short; the run is then
	// recorded as interrupted rather than completed.
	Interrupted func() bool
}

// NewStore writes ticks for the run record with the given database ID
func NewStore(manager *store.Manager, runID int64) *Store {
	return &Store{manager: manager, runID: runID}
}

func (s *Store) Emit(ctx context.Context, r aggregate.Report) error {
	if err := s.manager.SaveTick(store.TickFromReport(s.runID, r)); err != nil {
		return fmt.Errorf("failed to save tick: %w", err)
	}
	if !r.Final {
		return nil
	}
	return s.manager.FinalizeRun(s.runID, r, s.status(r))
}

func (s *Store) status(r aggregate.Report) string {
	switch {
	case r.AllLanesLost:
		return store.StatusFailed
	case s.Interrupted != nil && s.Interrupted():
		return store.StatusInterrupted
	default:
		return store.StatusCompleted
	}
}
