package casemgmt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/labcase/labcase/internal/domain/labresult"
)

// Resolver finds the open case for a result or opens a new one.
type Resolver struct {
	cases       CaseRepository
	locker      Locker
	assigner    *Assigner
	linker      *Linker
	granularity Granularity
}

func NewResolver(cases CaseRepository, locker Locker, assigner *Assigner, linker *Linker, g Granularity) *Resolver {
	return &Resolver{cases: cases, locker: locker, assigner: assigner, linker: linker, granularity: g}
}

func (r *Resolver) ScopeKey(res *labresult.TestResult) string {
	return ScopeKey(r.granularity, res.PatientID, res.TestName)
}

func (r *Resolver) Resolve(ctx context.Context, res *labresult.TestResult) (*Resolution, error) {
	return r.ResolveAndThen(ctx, res, nil)
}

// ResolveAndThen runs then under the same scope lock as the find-or-create,
// so work attached to the resolution commits or fails with it. A write that
// loses the open-case uniqueness race is retried once.
func (r *Resolver) ResolveAndThen(ctx context.Context, res *labresult.TestResult, then func(ctx context.Context, rs *Resolution) error) (*Resolution, error) {
	key := r.ScopeKey(res)
	var out *Resolution
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.locker.WithCaseLock(ctx, key, func(ctx context.Context) error {
			rs, err := r.findOrCreate(ctx, res, key)
			if err != nil {
				return err
			}
			if then != nil {
				if err := then(ctx, rs); err != nil {
					return err
				}
			}
			out = rs
			return nil
		})
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, res *labresult.TestResult, key string) (*Resolution, error) {
	existing, err := r.cases.FindOpenByScopeKey(ctx, key)
	switch {
	case err == nil:
		if err := r.cases.FlagNewResults(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("flag case %s: %w", existing.ID, err)
		}
		rs := &Resolution{CaseID: existing.ID}
		if existing.CaseManagerID != nil {
			rs.CaseManagerID = *existing.CaseManagerID
		}
		return rs, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("find open case: %w", err)
	}

	manager, err := r.assigner.Assign(ctx)
	if err != nil {
		return nil, err
	}

	managerID := manager.ID
	c := &Case{
		ID:                    uuid.New(),
		PatientID:             res.PatientID,
		TestName:              res.TestName,
		ScopeKey:              key,
		CaseManagerID:         &managerID,
		Status:                StatusUntouched,
		VisibleToCaseManager:  true,
		HasNewAbnormalResults: true,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := r.cases.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	if err := r.linker.LinkCaseManager(ctx, c.ID, managerID); err != nil {
		return nil, err
	}
	return &Resolution{CaseID: c.ID, CaseManagerID: managerID, Created: true}, nil
}
