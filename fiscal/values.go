package fiscal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// FISCAL VALUES PROVIDER - UMA / SMG in force on a date
// =============================================================================

// ValuesProvider supplies the reference units in force on a date.
type ValuesProvider interface {
	ValuesAt(ctx context.Context, date time.Time) (FiscalParams, error)
}

// StaticValues is a ValuesProvider over a list of publications.
// The entry with the latest EffectiveFrom not after the date wins.
type StaticValues struct {
	mu      sync.RWMutex
	entries []FiscalParams
}

func NewStaticValues(entries ...FiscalParams) *StaticValues {
	s := &StaticValues{}
	s.Publish(entries...)
	return s
}

// Publish adds publications. An entry replaces the one with the same
// EffectiveFrom.
func (s *StaticValues) Publish(entries ...FiscalParams) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		replaced := false
		for i := range s.entries {
			if s.entries[i].EffectiveFrom.Equal(e.EffectiveFrom) {
				s.entries[i], replaced = e, true
				break
			}
		}
		if !replaced {
			s.entries = append(s.entries, e)
		}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].EffectiveFrom.Before(s.entries[j].EffectiveFrom)
	})
}

func (s *StaticValues) ValuesAt(_ context.Context, date time.Time) (FiscalParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].EffectiveFrom.After(date)
	})
	if i == 0 {
		return FiscalParams{}, fmt.Errorf("%w: %s", ErrFiscalValuesNotFound, date.Format(time.DateOnly))
	}
	return s.entries[i-1], nil
}

// Entries returns the publications ordered by EffectiveFrom.
func (s *StaticValues) Entries() []FiscalParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FiscalParams(nil), s.entries...)
}
