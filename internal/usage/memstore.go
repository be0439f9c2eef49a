package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radubobirnac/vocallocal/pkg/types"
)

// MemStore is an in-memory [Store] for development deployments and tests. It
// honours the same conditional-reset contract as the PostgreSQL store.
type MemStore struct {
	mu       sync.Mutex
	periods  map[string]types.UsagePeriod
	archives map[string][]types.UsageArchiveRecord

	// now is the clock used to seed reset dates for new users. Overridable in
	// tests.
	now func() time.Time
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		periods:  make(map[string]types.UsagePeriod),
		archives: make(map[string][]types.UsageArchiveRecord),
		now:      time.Now,
	}
}

// CurrentPeriod implements [Store].
func (s *MemStore) CurrentPeriod(_ context.Context, userID string) (types.UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(userID), nil
}

// Increment implements [Store].
func (s *MemStore) Increment(_ context.Context, userID string, service types.Service, amount float64) (types.UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.ensure(userID)
	counter := p.Counter(service)
	if counter == nil {
		return types.UsagePeriod{}, fmt.Errorf("usage: unknown service %q", service)
	}
	*counter += amount
	s.periods[userID] = p
	return p, nil
}

// ResetAndArchive implements [Store]. The compare-and-set on the stored reset
// date makes concurrent resets race safely: exactly one wins, the rest get
// [ErrResetConflict].
func (s *MemStore) ResetAndArchive(_ context.Context, userID string, observed time.Time, rec types.UsageArchiveRecord, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.ensure(userID)
	if !p.ResetDate.Equal(observed) {
		return ErrResetConflict
	}

	// One archive row per (period, user), matching the history table's
	// primary key: a repeated forced reset in the same month keeps the first
	// snapshot and still zeroes the counters.
	duplicate := false
	for _, a := range s.archives[userID] {
		if a.Period == rec.Period {
			duplicate = true
			break
		}
	}
	if !duplicate {
		s.archives[userID] = append(s.archives[userID], rec)
	}
	s.periods[userID] = types.UsagePeriod{ResetDate: next}
	return nil
}

// ListUserIDs implements [Store].
func (s *MemStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.periods))
	for id := range s.periods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Archives implements [Store].
func (s *MemStore) Archives(_ context.Context, userID string) ([]types.UsageArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]types.UsageArchiveRecord, len(s.archives[userID]))
	copy(recs, s.archives[userID])
	return recs, nil
}

// ensure returns the live period for userID, creating it with the next month
// boundary on first sight. Callers must hold s.mu.
func (s *MemStore) ensure(userID string) types.UsagePeriod {
	p, ok := s.periods[userID]
	if !ok {
		p = types.UsagePeriod{ResetDate: types.NextMonthStart(s.now())}
		s.periods[userID] = p
	}
	return p
}
