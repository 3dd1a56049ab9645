package casemgmt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labcase/labcase/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}

// NewPGStore wires every repository to pool. WithCaseLock opens a
// transaction holding an advisory lock on the scope key.
func NewPGStore(pool *pgxpool.Pool) *Store {
	b := pgBase{pool: pool}
	return &Store{
		Cases:    &caseRepoPG{b},
		Links:    &linkRepoPG{b},
		Managers: &managerRepoPG{b},
		Settings: &settingsRepoPG{b},
		Rules:    &ruleRepoPG{b},
		Locker:   &pgLocker{pool: pool},
	}
}

type pgLocker struct{ pool *pgxpool.Pool }

func (l *pgLocker) WithCaseLock(ctx context.Context, scopeKey string, fn func(ctx context.Context) error) error {
	return db.WithAdvisoryLock(ctx, l.pool, "case:"+scopeKey, fn)
}

// -- Cases --

type caseRepoPG struct{ pgBase }

const caseCols = `id, patient_id, test_name, scope_key, case_manager_id, status, is_closed,
	visible_to_provider, visible_to_medical_staff, visible_to_case_manager,
	has_new_abnormal_results, created_at, updated_at`

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.PatientID, &c.TestName, &c.ScopeKey, &c.CaseManagerID,
		&c.Status, &c.IsClosed, &c.VisibleToProvider, &c.VisibleToMedicalStaff,
		&c.VisibleToCaseManager, &c.HasNewAbnormalResults, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *caseRepoPG) FindOpenByScopeKey(ctx context.Context, scopeKey string) (*Case, error) {
	return scanCase(r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE scope_key = $1 AND NOT is_closed`, scopeKey))
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cases (id, patient_id, test_name, scope_key, case_manager_id, status, is_closed,
			visible_to_provider, visible_to_medical_staff, visible_to_case_manager, has_new_abnormal_results)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, c.TestName, c.ScopeKey, c.CaseManagerID, c.Status, c.IsClosed,
		c.VisibleToProvider, c.VisibleToMedicalStaff, c.VisibleToCaseManager, c.HasNewAbnormalResults,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err, "cases_open_scope_key") {
		return fmt.Errorf("%w: open case exists for scope", ErrConflict)
	}
	return err
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	return scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE id = $1`, id))
}

func (r *caseRepoPG) setFlag(ctx context.Context, id uuid.UUID, flag bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE cases SET has_new_abnormal_results = $2, updated_at = NOW() WHERE id = $1`, id, flag)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *caseRepoPG) FlagNewResults(ctx context.Context, id uuid.UUID) error {
	return r.setFlag(ctx, id, true)
}

func (r *caseRepoPG) ClearNewResults(ctx context.Context, id uuid.UUID) error {
	return r.setFlag(ctx, id, false)
}

func (r *caseRepoPG) ListFlagged(ctx context.Context) ([]*Case, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM cases
		WHERE has_new_abnormal_results AND case_manager_id IS NOT NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) OpenCaseCounts(ctx context.Context, managerIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(managerIDs))
	if len(managerIDs) == 0 {
		return counts, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT case_manager_id, COUNT(*) FROM cases
		WHERE NOT is_closed AND case_manager_id = ANY($1)
		GROUP BY case_manager_id`, managerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// -- Links --

type linkRepoPG struct{ pgBase }

const productLinkCols = `id, case_id, test_result_id, product_id, bundle_id, response_type,
	needs_processing, created_at, updated_at`

func scanProductLink(row pgx.Row) (*CaseProductLink, error) {
	var l CaseProductLink
	err := row.Scan(&l.ID, &l.CaseID, &l.TestResultID, &l.ProductID, &l.BundleID,
		&l.ResponseType, &l.NeedsProcessing, &l.CreatedAt, &l.UpdatedAt)
	return &l, err
}

func (r *linkRepoPG) ProductLinkExists(ctx context.Context, testResultID int64) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM case_product_links WHERE test_result_id = $1)`, testResultID,
	).Scan(&exists)
	return exists, err
}

func (r *linkRepoPG) CreateProductLink(ctx context.Context, l *CaseProductLink) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO case_product_links (case_id, test_result_id, product_id, bundle_id,
			response_type, needs_processing)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (test_result_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		l.CaseID, l.TestResultID, l.ProductID, l.BundleID, l.ResponseType, l.NeedsProcessing,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *linkRepoPG) ListProductLinks(ctx context.Context, caseID uuid.UUID) ([]*CaseProductLink, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+productLinkCols+` FROM case_product_links WHERE case_id = $1 ORDER BY id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CaseProductLink
	for rows.Next() {
		l, err := scanProductLink(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *linkRepoPG) CreateManagerLink(ctx context.Context, l *CaseManagerLink) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO case_manager_links (case_id, case_manager_id, assigned_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		l.CaseID, l.CaseManagerID, l.AssignedAt,
	).Scan(&l.ID)
}

func (r *linkRepoPG) ListManagerLinks(ctx context.Context, caseID uuid.UUID) ([]*CaseManagerLink, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, case_manager_id, assigned_at
		FROM case_manager_links WHERE case_id = $1 ORDER BY id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CaseManagerLink
	for rows.Next() {
		var l CaseManagerLink
		if err := rows.Scan(&l.ID, &l.CaseID, &l.CaseManagerID, &l.AssignedAt); err != nil {
			return nil, err
		}
		items = append(items, &l)
	}
	return items, rows.Err()
}

// -- Managers --

type managerRepoPG struct{ pgBase }

const managerCols = `id, name, email, is_active, can_be_assigned_cases, created_at, updated_at`

func scanManager(row pgx.Row) (*CaseManager, error) {
	var m CaseManager
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.IsActive, &m.CanBeAssignedCases,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *managerRepoPG) GetByID(ctx context.Context, id int64) (*CaseManager, error) {
	return scanManager(r.conn(ctx).QueryRow(ctx, `SELECT `+managerCols+` FROM case_managers WHERE id = $1`, id))
}

func (r *managerRepoPG) ListAssignable(ctx context.Context) ([]*CaseManager, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+managerCols+` FROM case_managers
		WHERE is_active AND can_be_assigned_cases ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CaseManager
	for rows.Next() {
		m, err := scanManager(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// -- Settings --

type settingsRepoPG struct{ pgBase }

func (r *settingsRepoPG) GetGlobal(ctx context.Context) (*GlobalSetting, error) {
	var g GlobalSetting
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT is_case_management_enabled, updated_at FROM global_settings WHERE id = 1`,
	).Scan(&g.IsCaseManagementEnabled, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *settingsRepoPG) GetAccount(ctx context.Context, accountID string, productID *string) (*AccountSetting, error) {
	// The product-specific row sorts first; NULLS LAST keeps the account-wide
	// row as the fallback.
	var s AccountSetting
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, account_id, product_id, is_case_management_enabled, updated_at
		FROM account_settings
		WHERE account_id = $1 AND (product_id IS NULL OR product_id = $2)
		ORDER BY product_id NULLS LAST
		LIMIT 1`, accountID, productID,
	).Scan(&s.ID, &s.AccountID, &s.ProductID, &s.IsCaseManagementEnabled, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// -- Product rules --

type ruleRepoPG struct{ pgBase }

func (r *ruleRepoPG) GetByProductID(ctx context.Context, productID string) (*ProductRule, error) {
	var p ProductRule
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT product_id, response_type FROM product_rules WHERE product_id = $1`, productID,
	).Scan(&p.ProductID, &p.ResponseType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
