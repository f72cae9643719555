package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/store"
)

// AppendAttempt stores a terminated attempt. Rows are never updated.
// ID and Number are filled in when left empty.
func (l *Ledger) AppendAttempt(ctx context.Context, a *domain.Attempt) error {
	if a == nil || !a.Key.Valid() {
		return fmt.Errorf("append attempt: invalid attempt")
	}
	if a.Outcome == "" {
		return fmt.Errorf("append attempt %s: outcome is required", a.Key)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Number <= 0 {
		n, err := l.NextAttemptNumber(ctx, a.Key)
		if err != nil {
			return err
		}
		a.Number = n
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = l.now()
	}

	blank := a.Blank
	if blank == nil {
		blank = []string{}
	}
	blankJSON, err := json.Marshal(blank)
	if err != nil {
		return err
	}

	query, args, err := sq.Insert("attempts").
		Columns("id", "company_id", "posting_id", "number", "started_at", "finished_at",
			"outcome", "failure_reason", "screenshot_ref", "start_tries", "blank_fields").
		Values(a.ID, a.Key.CompanyID, a.Key.PostingID, a.Number,
			store.FormatTime(a.StartedAt), store.FormatTime(a.FinishedAt),
			string(a.Outcome), a.FailureReason, a.ScreenshotRef, a.StartTries, string(blankJSON)).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert attempt %s #%d: %w", a.Key, a.Number, err)
	}

	l.logger.Debug("attempt appended",
		append(logger.PostingFields(a.Key.CompanyID, a.Key.PostingID),
			zap.Int("number", a.Number),
			zap.String("outcome", string(a.Outcome)),
			zap.Int("start_tries", a.StartTries),
		)...,
	)
	return nil
}

// NextAttemptNumber returns 1 + the highest attempt number stored for key.
func (l *Ledger) NextAttemptNumber(ctx context.Context, key domain.Key) (int, error) {
	query, args, err := sq.Select("COALESCE(MAX(number), 0)").
		From("attempts").
		Where(sq.Eq{"company_id": key.CompanyID, "posting_id": key.PostingID}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("max attempt number %s: %w", key, err)
	}
	return n + 1, nil
}

// Attempts returns the attempt log for key in attempt order.
func (l *Ledger) Attempts(ctx context.Context, key domain.Key) ([]domain.Attempt, error) {
	query, args, err := sq.Select("id", "number", "started_at", "finished_at", "outcome",
		"failure_reason", "screenshot_ref", "start_tries", "blank_fields").
		From("attempts").
		Where(sq.Eq{"company_id": key.CompanyID, "posting_id": key.PostingID}).
		OrderBy("number ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var (
			a                          domain.Attempt
			started, finished, outcome string
			blank                      string
		)
		if err := rows.Scan(&a.ID, &a.Number, &started, &finished, &outcome,
			&a.FailureReason, &a.ScreenshotRef, &a.StartTries, &blank); err != nil {
			return nil, err
		}
		a.Key = key
		a.StartedAt = store.ParseTime(started)
		a.FinishedAt = store.ParseTime(finished)
		a.Outcome = domain.Outcome(outcome)
		_ = json.Unmarshal([]byte(blank), &a.Blank)
		out = append(out, a)
	}
	return out, rows.Err()
}
