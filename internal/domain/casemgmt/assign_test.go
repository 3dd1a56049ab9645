package casemgmt

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickLeastLoaded_Minimum(t *testing.T) {
	pool := []*CaseManager{{ID: 1}, {ID: 2}, {ID: 3}}
	counts := map[int64]int{1: 4, 2: 1, 3: 7}
	got := PickLeastLoaded(pool, counts, rand.New(rand.NewSource(1)))
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}

func TestPickLeastLoaded_MissingCountIsZero(t *testing.T) {
	pool := []*CaseManager{{ID: 1}, {ID: 2}}
	got := PickLeastLoaded(pool, map[int64]int{1: 3}, rand.New(rand.NewSource(1)))
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}

func TestPickLeastLoaded_EmptyPool(t *testing.T) {
	assert.Nil(t, PickLeastLoaded(nil, nil, rand.New(rand.NewSource(1))))
}

func TestPickLeastLoaded_TiesAreUniform(t *testing.T) {
	pool := []*CaseManager{{ID: 1}, {ID: 2}}
	rng := rand.New(rand.NewSource(42))
	hits := map[int64]int{}
	const trials = 10000
	for i := 0; i < trials; i++ {
		hits[PickLeastLoaded(pool, map[int64]int{1: 2, 2: 2}, rng).ID]++
	}
	assert.InDelta(t, trials/2, hits[1], trials*0.05)
	assert.InDelta(t, trials/2, hits[2], trials*0.05)
}

func TestAssigner_NoManagerAvailable(t *testing.T) {
	store := NewMemoryStore()
	store.AddManager(CaseManager{Name: "Inactive", IsActive: false, CanBeAssignedCases: true})
	store.AddManager(CaseManager{Name: "Blocked", IsActive: true, CanBeAssignedCases: false})
	s := store.Store()

	_, err := NewAssigner(s.Managers, s.Cases, nil).Assign(context.Background())
	assert.ErrorIs(t, err, ErrNoManagerAvailable)
}

func TestAssigner_CountsOnlyOpenCases(t *testing.T) {
	store := NewMemoryStore()
	busy := store.AddManager(CaseManager{Name: "Busy", IsActive: true, CanBeAssignedCases: true})
	idle := store.AddManager(CaseManager{Name: "Idle", IsActive: true, CanBeAssignedCases: true})
	s := store.Store()
	ctx := context.Background()

	for i, closed := range []bool{false, false, true} {
		c := &Case{ID: uuid.New(), PatientID: "p", ScopeKey: string(rune('a' + i)), CaseManagerID: &busy.ID, Status: StatusUntouched}
		if closed {
			c.Status, c.IsClosed = StatusClosed, true
		}
		require.NoError(t, s.Cases.Create(ctx, c))
	}
	closedForIdle := &Case{ID: uuid.New(), PatientID: "q", ScopeKey: "q", CaseManagerID: &idle.ID, Status: StatusClosed, IsClosed: true}
	require.NoError(t, s.Cases.Create(ctx, closedForIdle))

	got, err := NewAssigner(s.Managers, s.Cases, rand.New(rand.NewSource(7))).Assign(ctx)
	require.NoError(t, err)
	assert.Equal(t, idle.ID, got.ID)
}
