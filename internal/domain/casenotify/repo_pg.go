package casenotify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) NotificationRepository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const notificationCols = `id, case_id, case_manager_id, template_id, kind, reminder_count, sent_at, clicked`

func (r *repoPG) ListForCase(ctx context.Context, caseID uuid.UUID) ([]*CaseNotification, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM case_notifications
		WHERE case_id = $1 ORDER BY sent_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CaseNotification
	for rows.Next() {
		var n CaseNotification
		if err := rows.Scan(&n.ID, &n.CaseID, &n.CaseManagerID, &n.TemplateID, &n.Kind,
			&n.ReminderCount, &n.SentAt, &n.Clicked); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, n *CaseNotification) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO case_notifications (case_id, case_manager_id, template_id, kind, reminder_count, sent_at, clicked)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		n.CaseID, n.CaseManagerID, n.TemplateID, n.Kind, n.ReminderCount, n.SentAt, n.Clicked,
	).Scan(&n.ID)
	if db.IsUniqueViolation(err, "") {
		return fmt.Errorf("%w: notification %s #%d already recorded", casemgmt.ErrConflict, n.Kind, n.ReminderCount)
	}
	return err
}

func (r *repoPG) MarkClicked(ctx context.Context, caseID uuid.UUID, managerID int64) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE case_notifications SET clicked = TRUE
		WHERE case_id = $1 AND case_manager_id = $2 AND NOT clicked`, caseID, managerID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
