package casemgmt

import (
	"context"
	"fmt"
)

// DedupGuard detects results that are already linked to a case.
type DedupGuard struct {
	links LinkRepository
}

func NewDedupGuard(links LinkRepository) *DedupGuard {
	return &DedupGuard{links: links}
}

func (d *DedupGuard) IsAlreadyProcessed(ctx context.Context, testResultID int64) (bool, error) {
	ok, err := d.links.ProductLinkExists(ctx, testResultID)
	if err != nil {
		return false, fmt.Errorf("check product link for result %d: %w", testResultID, err)
	}
	return ok, nil
}
