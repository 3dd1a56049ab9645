package casemgmt

import (
	"context"

	"github.com/google/uuid"
)

type CaseRepository interface {
	// FindOpenByScopeKey returns ErrNotFound when no open case exists.
	FindOpenByScopeKey(ctx context.Context, scopeKey string) (*Case, error)
	// Create returns ErrConflict when an open case already holds the scope key.
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// FlagNewResults sets has_new_abnormal_results and bumps updated_at.
	FlagNewResults(ctx context.Context, id uuid.UUID) error
	ClearNewResults(ctx context.Context, id uuid.UUID) error
	// ListFlagged returns cases with new abnormal results and an owner.
	ListFlagged(ctx context.Context) ([]*Case, error)
	// OpenCaseCounts returns the number of open cases owned by each manager.
	// Managers without open cases are absent from the map.
	OpenCaseCounts(ctx context.Context, managerIDs []int64) (map[int64]int, error)
}

type LinkRepository interface {
	ProductLinkExists(ctx context.Context, testResultID int64) (bool, error)
	// CreateProductLink reports false when the test result is already linked.
	CreateProductLink(ctx context.Context, l *CaseProductLink) (bool, error)
	ListProductLinks(ctx context.Context, caseID uuid.UUID) ([]*CaseProductLink, error)
	CreateManagerLink(ctx context.Context, l *CaseManagerLink) error
	ListManagerLinks(ctx context.Context, caseID uuid.UUID) ([]*CaseManagerLink, error)
}

type ManagerRepository interface {
	GetByID(ctx context.Context, id int64) (*CaseManager, error)
	// ListAssignable returns active managers that accept new cases.
	ListAssignable(ctx context.Context) ([]*CaseManager, error)
}

type SettingsRepository interface {
	// GetGlobal returns nil without error when the singleton row is absent.
	GetGlobal(ctx context.Context) (*GlobalSetting, error)
	// GetAccount prefers the (account, product) record and falls back to the
	// account-wide one. It returns nil without error when neither exists.
	GetAccount(ctx context.Context, accountID string, productID *string) (*AccountSetting, error)
}

type ProductRuleRepository interface {
	// GetByProductID returns nil without error when no rule exists.
	GetByProductID(ctx context.Context, productID string) (*ProductRule, error)
}

// Locker serializes work on one scope key. Repositories called from fn
// observe the same transaction when the store is transactional.
type Locker interface {
	WithCaseLock(ctx context.Context, scopeKey string, fn func(ctx context.Context) error) error
}

// Store groups the repositories the intake pipeline needs.
type Store struct {
	Cases    CaseRepository
	Links    LinkRepository
	Managers ManagerRepository
	Settings SettingsRepository
	Rules    ProductRuleRepository
	Locker   Locker
}
