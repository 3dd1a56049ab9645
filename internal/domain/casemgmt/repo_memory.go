package casemgmt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and STORE=memory.
type MemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	cases        map[uuid.UUID]*Case
	productLinks []*CaseProductLink
	managerLinks []*CaseManagerLink
	managers     map[int64]*CaseManager
	global       *GlobalSetting
	accounts     []*AccountSetting
	rules        map[string]*ProductRule
	nextID       int64

	locks keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		cases:    make(map[uuid.UUID]*Case),
		managers: make(map[int64]*CaseManager),
		rules:    make(map[string]*ProductRule),
	}
}

// Store exposes m through the repository interfaces.
func (m *MemoryStore) Store() *Store {
	return &Store{
		Cases:    memCases{m},
		Links:    memLinks{m},
		Managers: memManagers{m},
		Settings: memSettings{m},
		Rules:    memRules{m},
		Locker:   m,
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// AddManager stores a copy of cm, assigning an id when cm.ID is zero.
func (m *MemoryStore) AddManager(cm CaseManager) *CaseManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cm.ID == 0 {
		cm.ID = m.id()
	}
	cm.CreatedAt, cm.UpdatedAt = m.now(), m.now()
	m.managers[cm.ID] = &cm
	out := cm
	return &out
}

func (m *MemoryStore) SetGlobal(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = &GlobalSetting{IsCaseManagementEnabled: enabled, UpdatedAt: m.now()}
}

// SetAccount upserts the setting for (accountID, productID). A nil product
// targets the account-wide row.
func (m *MemoryStore) SetAccount(accountID string, productID *string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.accounts {
		if s.AccountID == accountID && sameProduct(s.ProductID, productID) {
			s.IsCaseManagementEnabled = enabled
			s.UpdatedAt = m.now()
			return
		}
	}
	m.accounts = append(m.accounts, &AccountSetting{
		ID: m.id(), AccountID: accountID, ProductID: copyStr(productID),
		IsCaseManagementEnabled: enabled, UpdatedAt: m.now(),
	})
}

func (m *MemoryStore) SetProductRule(productID string, rt ResponseType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[productID] = &ProductRule{ProductID: productID, ResponseType: rt}
}

// CloseCase moves a case to Closed, releasing its scope key.
func (m *MemoryStore) CloseCase(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return ErrNotFound
	}
	c.Status, c.IsClosed, c.UpdatedAt = StatusClosed, true, m.now()
	return nil
}

// Cases returns copies of every stored case ordered by creation.
func (m *MemoryStore) Cases() []*Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Case, 0, len(m.cases))
	for _, c := range m.cases {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WithCaseLock serializes fn per scope key. Writes made through the store
// while fn runs are undone if fn fails, matching the PG store's tx.
func (m *MemoryStore) WithCaseLock(ctx context.Context, scopeKey string, fn func(ctx context.Context) error) error {
	unlock := m.locks.lock(scopeKey)
	defer unlock()

	j := &memJournal{}
	err := fn(context.WithValue(ctx, journalKey{}, j))
	if err != nil {
		m.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		m.mu.Unlock()
	}
	return err
}

// memJournal collects undo steps for writes made under WithCaseLock.
type memJournal struct {
	undo []func()
}

type journalKey struct{}

// record registers undo for the write just made. Callers hold m.mu.
func (m *MemoryStore) record(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*memJournal); ok {
		j.undo = append(j.undo, undo)
	}
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func dropLink[T any](links []*T, match func(*T) bool) []*T {
	out := links[:0]
	for _, l := range links {
		if !match(l) {
			out = append(out, l)
		}
	}
	return out
}

func sameProduct(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// -- Cases --

type memCases struct{ m *MemoryStore }

func (r memCases) FindOpenByScopeKey(_ context.Context, scopeKey string) (*Case, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, c := range r.m.cases {
		if c.ScopeKey == scopeKey && !c.IsClosed {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memCases) Create(ctx context.Context, c *Case) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.cases[c.ID]; ok {
		return fmt.Errorf("%w: case %s exists", ErrConflict, c.ID)
	}
	for _, existing := range r.m.cases {
		if existing.ScopeKey == c.ScopeKey && !existing.IsClosed && !c.IsClosed {
			return fmt.Errorf("%w: open case exists for scope", ErrConflict)
		}
	}
	c.CreatedAt, c.UpdatedAt = r.m.now(), r.m.now()
	cp := *c
	r.m.cases[c.ID] = &cp
	id := c.ID
	r.m.record(ctx, func() { delete(r.m.cases, id) })
	return nil
}

func (r memCases) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memCases) setFlag(ctx context.Context, id uuid.UUID, flag bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.cases[id]
	if !ok {
		return ErrNotFound
	}
	prev, prevAt := c.HasNewAbnormalResults, c.UpdatedAt
	c.HasNewAbnormalResults = flag
	c.UpdatedAt = r.m.now()
	r.m.record(ctx, func() { c.HasNewAbnormalResults, c.UpdatedAt = prev, prevAt })
	return nil
}

func (r memCases) FlagNewResults(ctx context.Context, id uuid.UUID) error {
	return r.setFlag(ctx, id, true)
}

func (r memCases) ClearNewResults(ctx context.Context, id uuid.UUID) error {
	return r.setFlag(ctx, id, false)
}

func (r memCases) ListFlagged(_ context.Context) ([]*Case, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Case
	for _, c := range r.m.cases {
		if c.HasNewAbnormalResults && c.CaseManagerID != nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memCases) OpenCaseCounts(_ context.Context, managerIDs []int64) (map[int64]int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	want := make(map[int64]bool, len(managerIDs))
	for _, id := range managerIDs {
		want[id] = true
	}
	counts := make(map[int64]int)
	for _, c := range r.m.cases {
		if c.IsClosed || c.CaseManagerID == nil || !want[*c.CaseManagerID] {
			continue
		}
		counts[*c.CaseManagerID]++
	}
	return counts, nil
}

// -- Links --

type memLinks struct{ m *MemoryStore }

func (r memLinks) ProductLinkExists(_ context.Context, testResultID int64) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, l := range r.m.productLinks {
		if l.TestResultID == testResultID {
			return true, nil
		}
	}
	return false, nil
}

func (r memLinks) CreateProductLink(ctx context.Context, l *CaseProductLink) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.productLinks {
		if existing.TestResultID == l.TestResultID {
			return false, nil
		}
	}
	l.ID = r.m.id()
	l.CreatedAt, l.UpdatedAt = r.m.now(), r.m.now()
	cp := *l
	r.m.productLinks = append(r.m.productLinks, &cp)
	id := l.ID
	r.m.record(ctx, func() {
		r.m.productLinks = dropLink(r.m.productLinks, func(x *CaseProductLink) bool { return x.ID == id })
	})
	return true, nil
}

func (r memLinks) ListProductLinks(_ context.Context, caseID uuid.UUID) ([]*CaseProductLink, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*CaseProductLink
	for _, l := range r.m.productLinks {
		if l.CaseID == caseID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memLinks) CreateManagerLink(ctx context.Context, l *CaseManagerLink) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.cases[l.CaseID]; !ok {
		return fmt.Errorf("case %s: %w", l.CaseID, ErrNotFound)
	}
	l.ID = r.m.id()
	cp := *l
	r.m.managerLinks = append(r.m.managerLinks, &cp)
	id := l.ID
	r.m.record(ctx, func() {
		r.m.managerLinks = dropLink(r.m.managerLinks, func(x *CaseManagerLink) bool { return x.ID == id })
	})
	return nil
}

func (r memLinks) ListManagerLinks(_ context.Context, caseID uuid.UUID) ([]*CaseManagerLink, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*CaseManagerLink
	for _, l := range r.m.managerLinks {
		if l.CaseID == caseID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- Managers --

type memManagers struct{ m *MemoryStore }

func (r memManagers) GetByID(_ context.Context, id int64) (*CaseManager, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	cm, ok := r.m.managers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cm
	return &cp, nil
}

func (r memManagers) ListAssignable(_ context.Context) ([]*CaseManager, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*CaseManager
	for _, cm := range r.m.managers {
		if cm.Assignable() {
			cp := *cm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- Settings --

type memSettings struct{ m *MemoryStore }

func (r memSettings) GetGlobal(_ context.Context) (*GlobalSetting, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if r.m.global == nil {
		return nil, nil
	}
	g := *r.m.global
	return &g, nil
}

func (r memSettings) GetAccount(_ context.Context, accountID string, productID *string) (*AccountSetting, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var wide *AccountSetting
	for _, s := range r.m.accounts {
		if s.AccountID != accountID {
			continue
		}
		if s.ProductID == nil {
			wide = s
			continue
		}
		if productID != nil && *s.ProductID == *productID {
			cp := *s
			return &cp, nil
		}
	}
	if wide == nil {
		return nil, nil
	}
	cp := *wide
	return &cp, nil
}

// -- Product rules --

type memRules struct{ m *MemoryStore }

func (r memRules) GetByProductID(_ context.Context, productID string) (*ProductRule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.rules[productID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}
