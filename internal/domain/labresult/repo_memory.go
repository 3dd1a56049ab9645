package labresult

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is a thread-safe in-process Repository.
type MemoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]*TestResult
	refs   map[string]int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		items: make(map[int64]*TestResult),
		refs:  make(map[string]int64),
	}
}

func refKey(lab LabName, ref string) string {
	return string(lab) + "\x1f" + ref
}

func (m *MemoryRepo) Upsert(_ context.Context, r *TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.SourceRef != nil {
		if id, ok := m.refs[refKey(r.LabName, *r.SourceRef)]; ok {
			stored := m.items[id]
			stored.UpdatedAt = time.Now().UTC()
			*r = *stored
			return nil
		}
	}

	m.nextID++
	now := time.Now().UTC()
	r.ID = m.nextID
	r.CreatedAt = now
	r.UpdatedAt = now
	stored := *r
	m.items[r.ID] = &stored
	if r.SourceRef != nil {
		m.refs[refKey(r.LabName, *r.SourceRef)] = r.ID
	}
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id int64) (*TestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemoryRepo) ListUnprocessed(_ context.Context, limit int) ([]*TestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*TestResult
	for _, t := range m.items {
		if t.NeedsProcessing {
			out := *t
			items = append(items, &out)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryRepo) MarkProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if t.NeedsProcessing {
		t.NeedsProcessing = false
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}
