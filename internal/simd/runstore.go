package simd

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// DefaultRetainedRuns is the number of finished runs kept in memory.
const DefaultRetainedRuns = 256

// RunRecord is a run known to the daemon.
type RunRecord struct {
	ID        string
	Config    *config.Config
	Sim       *simulation.Simulator
	Collector *metrics.Collector
	CreatedAt time.Time

	CallbackURL    string
	CallbackSecret string
}

// Run returns a snapshot of the run's lifecycle record.
func (r *RunRecord) Run() *models.Run {
	return r.Sim.Info()
}

// RunStore holds active runs in a map and retains finished runs in an LRU,
// so a long-lived daemon does not grow without bound.
type RunStore struct {
	mu       sync.RWMutex
	active   map[string]*RunRecord
	finished *lru.Cache[string, *RunRecord]
}

// NewRunStore creates a store retaining up to retain finished runs. The
// collector of a dropped run is cleared; onEvict, when not nil, is then
// called with its id.
func NewRunStore(retain int, onEvict func(runID string)) (*RunStore, error) {
	if retain <= 0 {
		retain = DefaultRetainedRuns
	}
	finished, err := lru.NewWithEvict(retain, func(id string, rec *RunRecord) {
		if rec.Collector != nil {
			rec.Collector.Clear()
		}
		if onEvict != nil {
			onEvict(id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run cache: %w", err)
	}
	return &RunStore{
		active:   make(map[string]*RunRecord),
		finished: finished,
	}, nil
}

// Add registers a new run.
func (s *RunStore) Add(rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[rec.ID]; exists || s.finished.Contains(rec.ID) {
		return fmt.Errorf("%w: %s", ErrRunExists, rec.ID)
	}
	s.active[rec.ID] = rec
	return nil
}

// Get returns an active or retained run.
func (s *RunStore) Get(runID string) (*RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.active[runID]; ok {
		return rec, true
	}
	return s.finished.Peek(runID)
}

// Finish moves a run that reached a terminal status to the LRU.
func (s *RunStore) Finish(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[runID]
	if !ok {
		return
	}
	delete(s.active, runID)
	s.finished.Add(runID, rec)
}

// List returns up to limit runs, oldest first, optionally filtered by status.
func (s *RunStore) List(limit, offset int, status models.RunStatus) []*RunRecord {
	s.mu.RLock()
	all := make([]*RunRecord, 0, len(s.active)+s.finished.Len())
	for _, rec := range s.active {
		all = append(all, rec)
	}
	for _, rec := range s.finished.Values() {
		all = append(all, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b *RunRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if limit <= 0 {
		limit = 50
	}
	out := make([]*RunRecord, 0, min(limit, len(all)))
	skipped := 0
	for _, rec := range all {
		if status != "" && rec.Sim.Status() != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Active returns the ids of runs not yet finished.
func (s *RunStore) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
