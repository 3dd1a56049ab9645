package notification

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGTemplates reads message_templates.
type PGTemplates struct {
	pool *pgxpool.Pool
}

func NewPGTemplates(pool *pgxpool.Pool) *PGTemplates {
	return &PGTemplates{pool: pool}
}

func (s *PGTemplates) GetTemplate(ctx context.Context, id int) (*Template, error) {
	var t Template
	err := s.pool.QueryRow(ctx,
		`SELECT template_id, name, subject, body FROM message_templates WHERE template_id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Subject, &t.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
