package casemgmt

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Assigner picks the case manager with the fewest open cases. Ties are
// broken uniformly at random.
type Assigner struct {
	managers ManagerRepository
	cases    CaseRepository

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAssigner uses rng for tie-breaking; nil seeds from the clock.
func NewAssigner(managers ManagerRepository, cases CaseRepository, rng *rand.Rand) *Assigner {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Assigner{managers: managers, cases: cases, rng: rng}
}

// Assign returns ErrNoManagerAvailable when nobody can take the case. The
// workload read is not locked against concurrent assignments.
func (a *Assigner) Assign(ctx context.Context) (*CaseManager, error) {
	pool, err := a.managers.ListAssignable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assignable managers: %w", err)
	}
	if len(pool) == 0 {
		return nil, ErrNoManagerAvailable
	}
	ids := make([]int64, len(pool))
	for i, m := range pool {
		ids[i] = m.ID
	}
	counts, err := a.cases.OpenCaseCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count open cases: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return PickLeastLoaded(pool, counts, a.rng), nil
}

// PickLeastLoaded returns nil for an empty pool.
func PickLeastLoaded(pool []*CaseManager, counts map[int64]int, rng *rand.Rand) *CaseManager {
	var tied []*CaseManager
	least := -1
	for _, m := range pool {
		n := counts[m.ID]
		switch {
		case least < 0 || n < least:
			least = n
			tied = append(tied[:0], m)
		case n == least:
			tied = append(tied, m)
		}
	}
	if len(tied) == 0 {
		return nil
	}
	return tied[rng.Intn(len(tied))]
}
