package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs joined with the acting portal user.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timelineQuery = `
SELECT a.occurred_at, COALESCE(u.email, ''), a.action, a.entity, a.entity_id, a.meta
FROM audit_logs a
LEFT JOIN portal_users u ON u.id = a.actor_id
WHERE (@from_at::timestamptz IS NULL OR a.occurred_at >= @from_at)
  AND (@to_at::timestamptz IS NULL OR a.occurred_at < @to_at)
  AND (@actor::text IS NULL OR u.email ILIKE '%' || @actor || '%')
  AND (@entity::text IS NULL OR a.entity = @entity)
  AND (@action::text IS NULL OR a.action = upper(@action))
ORDER BY a.occurred_at DESC, a.id DESC
LIMIT @limit_rows OFFSET @offset_rows`

// Timeline returns the rows inside q's window, newest first.
func (r *PGRepository) Timeline(ctx context.Context, q Query) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineQuery, pgx.NamedArgs{
		"from_at":     toPgTime(q.From),
		"to_at":       toPgTime(q.To),
		"actor":       optionalText(q.Actor),
		"entity":      optionalText(q.Entity),
		"action":      optionalText(q.Action),
		"limit_rows":  q.Limit,
		"offset_rows": q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query timeline: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var t TimelineRow
		err := row.Scan(&t.At, &t.Actor, &t.Action, &t.Entity, &t.EntityID, &t.Meta)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan timeline: %w", err)
	}
	return out, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

var _ Repository = (*PGRepository)(nil)
