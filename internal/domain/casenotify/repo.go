package casenotify

import (
	"context"

	"github.com/google/uuid"
)

type NotificationRepository interface {
	// ListForCase returns the case's notifications newest first.
	ListForCase(ctx context.Context, caseID uuid.UUID) ([]*CaseNotification, error)
	// Create returns casemgmt.ErrConflict when the initial alert or the
	// reminder number was already recorded.
	Create(ctx context.Context, n *CaseNotification) error
	// MarkClicked flags every notification sent to managerID for caseID and
	// returns how many rows changed.
	MarkClicked(ctx context.Context, caseID uuid.UUID, managerID int64) (int, error)
}
