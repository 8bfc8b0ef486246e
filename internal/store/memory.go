package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/airquality-backfill/internal/airquality"
)

var (
	// ErrNotFound is returned when no run is recorded for a station.
	ErrNotFound = errors.New("no backfill runs for station")
)

// RunHistory holds the runs of a station in the order they finished.
type RunHistory struct {
	Runs []airquality.RunSummary
}

// MemoryStore is a concurrency-safe in-memory run history.
type MemoryStore struct {
	mu sync.RWMutex

	// key: station id
	data map[string]*RunHistory

	maxHistory int           // max number of runs per station
	maxAge     time.Duration // optional max age of a run, by finish time
}

var _ airquality.RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*RunHistory),
		maxHistory: maxHistory,
		maxAge:     maxAge,
	}
}

// SaveRun appends a run for its station and enforces retention.
func (s *MemoryStore) SaveRun(run airquality.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[run.Station]
	if !ok {
		history = &RunHistory{}
		s.data[run.Station] = history
	}

	history.Runs = append(history.Runs, run)

	if s.maxHistory > 0 && len(history.Runs) > s.maxHistory {
		over := len(history.Runs) - s.maxHistory
		history.Runs = history.Runs[over:]
	}

	// The newest run is always kept, whatever its age.
	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Runs)-1; i++ {
			if !history.Runs[i].FinishedAt.Before(cutoff) {
				break
			}
		}
		history.Runs = history.Runs[i:]
	}
}

// GetLatest returns the most recently saved run for station.
func (s *MemoryStore) GetLatest(station string) (airquality.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[station]
	if !ok || len(history.Runs) == 0 {
		return airquality.RunSummary{}, ErrNotFound
	}
	return history.Runs[len(history.Runs)-1], nil
}

// GetRange returns the runs of station whose start time lies in [from, to].
func (s *MemoryStore) GetRange(station string, from, to time.Time) ([]airquality.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[station]
	if !ok || len(history.Runs) == 0 {
		return nil, ErrNotFound
	}

	var result []airquality.RunSummary
	for _, run := range history.Runs {
		if !run.StartedAt.Before(from) && !run.StartedAt.After(to) {
			result = append(result, run)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}
