package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/store"
)

// SetCompanyWeight stores the priority weight used as the second ordering key.
func (q *Queue) SetCompanyWeight(ctx context.Context, companyID string, weight float64) error {
	query, args, err := sq.Insert("companies").
		Columns("company_id", "weight").
		Values(companyID, weight).
		Suffix("ON CONFLICT(company_id) DO UPDATE SET weight = excluded.weight").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set weight for %s: %w", companyID, err)
	}
	return nil
}

// MarkCompanyExhausted persists that every posting of the company was handled,
// so later runs skip it until something new is enqueued.
func (q *Queue) MarkCompanyExhausted(ctx context.Context, companyID string) error {
	query, args, err := sq.Insert("companies").
		Columns("company_id", "exhausted", "exhausted_at").
		Values(companyID, 1, store.FormatTime(q.now())).
		Suffix("ON CONFLICT(company_id) DO UPDATE SET exhausted = 1, exhausted_at = excluded.exhausted_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %s exhausted: %w", companyID, err)
	}
	q.logger.Info("company exhausted", zap.String("company_id", companyID))
	return nil
}

func (q *Queue) IsCompanyExhausted(ctx context.Context, companyID string) (bool, error) {
	query, args, err := sq.Select("exhausted").
		From("companies").
		Where(sq.Eq{"company_id": companyID}).
		ToSql()
	if err != nil {
		return false, err
	}
	var exhausted bool
	err = q.db.QueryRowContext(ctx, query, args...).Scan(&exhausted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("company %s: %w", companyID, err)
	}
	return exhausted, nil
}

func (q *Queue) clearExhausted(ctx context.Context, companyID string) error {
	query, args, err := sq.Update("companies").
		Set("exhausted", 0).
		Set("exhausted_at", "").
		Where(sq.Eq{"company_id": companyID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, query, args...)
	return err
}

// Companies lists companies with pending postings, skipping exhausted ones
// unless includeExhausted is set.
func (q *Queue) Companies(ctx context.Context, includeExhausted bool) ([]string, error) {
	b := sq.Select("DISTINCT q.company_id").
		From("queue q").
		LeftJoin("companies c ON c.company_id = q.company_id").
		Where(sq.Eq{"q.state": statePending}).
		OrderBy("q.company_id")
	if !includeExhausted {
		b = b.Where("COALESCE(c.exhausted, 0) = 0")
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Outstanding counts postings of a company that are not done yet.
func (q *Queue) Outstanding(ctx context.Context, companyID string) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("queue").
		Where(sq.Eq{"company_id": companyID}).
		Where(sq.NotEq{"state": stateDone}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outstanding for %s: %w", companyID, err)
	}
	return n, nil
}
