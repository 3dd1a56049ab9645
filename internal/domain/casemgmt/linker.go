package casemgmt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labcase/labcase/internal/domain/labresult"
)

// Linker attaches results and managers to cases.
type Linker struct {
	links LinkRepository
	rules ProductRuleRepository
	now   func() time.Time
}

func NewLinker(links LinkRepository, rules ProductRuleRepository) *Linker {
	return &Linker{links: links, rules: rules, now: time.Now}
}

// ResponseTypeFor defaults to Standard when the product has no rule.
func (l *Linker) ResponseTypeFor(ctx context.Context, productID *string) (ResponseType, error) {
	if productID == nil || *productID == "" {
		return ResponseStandard, nil
	}
	rule, err := l.rules.GetByProductID(ctx, *productID)
	if err != nil {
		return "", fmt.Errorf("load product rule %s: %w", *productID, err)
	}
	if rule == nil || !rule.ResponseType.Valid() {
		return ResponseStandard, nil
	}
	return rule.ResponseType, nil
}

// LinkResultToCase reports false when r was already linked by someone else.
func (l *Linker) LinkResultToCase(ctx context.Context, caseID uuid.UUID, r *labresult.TestResult) (bool, error) {
	rt, err := l.ResponseTypeFor(ctx, r.ProductID)
	if err != nil {
		return false, err
	}
	link := &CaseProductLink{
		CaseID:          caseID,
		TestResultID:    r.ID,
		ProductID:       r.ProductID,
		BundleID:        r.BundleID,
		ResponseType:    rt,
		NeedsProcessing: true,
	}
	if err := link.Validate(); err != nil {
		return false, err
	}
	created, err := l.links.CreateProductLink(ctx, link)
	if err != nil {
		return false, fmt.Errorf("link result %d to case %s: %w", r.ID, caseID, err)
	}
	return created, nil
}

func (l *Linker) LinkCaseManager(ctx context.Context, caseID uuid.UUID, managerID int64) error {
	link := &CaseManagerLink{CaseID: caseID, CaseManagerID: managerID, AssignedAt: l.now()}
	if err := link.Validate(); err != nil {
		return err
	}
	if err := l.links.CreateManagerLink(ctx, link); err != nil {
		return fmt.Errorf("link manager %d to case %s: %w", managerID, caseID, err)
	}
	return nil
}
