package casenotify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/labcase/labcase/internal/domain/casemgmt"
)

// MemoryRepo is a thread-safe in-process NotificationRepository. It enforces
// the same uniqueness rules as the case_notifications indexes.
type MemoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	items  []*CaseNotification
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (m *MemoryRepo) ListForCase(_ context.Context, caseID uuid.UUID) ([]*CaseNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CaseNotification
	for _, n := range m.items {
		if n.CaseID == caseID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.After(out[j].SentAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryRepo) Create(_ context.Context, n *CaseNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Kind == KindReminder && (n.ReminderCount < 1 || n.ReminderCount > MaxReminders) {
		return fmt.Errorf("%w: reminder count %d out of range", casemgmt.ErrValidation, n.ReminderCount)
	}
	for _, existing := range m.items {
		if existing.CaseID != n.CaseID || existing.Kind != n.Kind {
			continue
		}
		if n.Kind == KindInitial || existing.ReminderCount == n.ReminderCount {
			return fmt.Errorf("%w: notification %s #%d already recorded", casemgmt.ErrConflict, n.Kind, n.ReminderCount)
		}
	}
	m.nextID++
	n.ID = m.nextID
	cp := *n
	m.items = append(m.items, &cp)
	return nil
}

func (m *MemoryRepo) MarkClicked(_ context.Context, caseID uuid.UUID, managerID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, n := range m.items {
		if n.CaseID == caseID && n.CaseManagerID == managerID && !n.Clicked {
			n.Clicked = true
			changed++
		}
	}
	return changed, nil
}
