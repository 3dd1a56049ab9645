package labresult

import (
	"context"
	"errors"
	"fmt"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const resultCols = `id, patient_id, account_id, product_id, bundle_id, lab_name, test_name,
	result, is_abnormal, needs_processing, source_ref, created_at, updated_at`

func scanResult(row pgx.Row) (*TestResult, error) {
	var t TestResult
	err := row.Scan(&t.ID, &t.PatientID, &t.AccountID, &t.ProductID, &t.BundleID, &t.LabName,
		&t.TestName, &t.Result, &t.IsAbnormal, &t.NeedsProcessing, &t.SourceRef,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (r *repoPG) Upsert(ctx context.Context, t *TestResult) error {
	// The no-op update makes RETURNING yield the stored row on conflict.
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_results (patient_id, account_id, product_id, bundle_id, lab_name,
			test_name, result, is_abnormal, needs_processing, source_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (lab_name, source_ref) WHERE source_ref IS NOT NULL
		DO UPDATE SET updated_at = NOW()
		RETURNING `+resultCols,
		t.PatientID, t.AccountID, t.ProductID, t.BundleID, t.LabName,
		t.TestName, t.Result, t.IsAbnormal, t.NeedsProcessing, t.SourceRef)
	stored, err := scanResult(row)
	if err != nil {
		return fmt.Errorf("upsert test result: %w", err)
	}
	*t = *stored
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*TestResult, error) {
	return scanResult(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM test_results WHERE id = $1`, id))
}

func (r *repoPG) ListUnprocessed(ctx context.Context, limit int) ([]*TestResult, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resultCols+` FROM test_results WHERE needs_processing ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TestResult
	for rows.Next() {
		t, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) MarkProcessed(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE test_results SET needs_processing = FALSE, updated_at = NOW()
		 WHERE id = $1 AND needs_processing`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM test_results WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}
