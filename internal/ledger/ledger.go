package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/store"
)

// ReviewExpiredReason is stored on ambiguous postings nobody reviewed in time.
const ReviewExpiredReason = "review expired"

// Ledger is the durable record of what was applied to. It is the only store
// shared between browser sessions; uniqueness is enforced by the primary key
// on submissions, so no process-level lock is needed.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func New(db *sql.DB, log *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger.WithFields(log, zap.String("component", "ledger")),
		now:    time.Now,
	}
}

// WasApplied reports whether a successful application was recorded.
func (l *Ledger) WasApplied(ctx context.Context, key domain.Key) (bool, error) {
	rec, err := l.Lookup(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == domain.StatusApplied, nil
}

// Lookup returns the record for key or domain.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, key domain.Key) (*domain.SubmissionRecord, error) {
	query, args, err := sq.Select("status", "reason", "finalized_at").
		From("submissions").
		Where(sq.Eq{"company_id": key.CompanyID, "posting_id": key.PostingID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var (
		status, reason, finalized string
	)
	err = l.db.QueryRowContext(ctx, query, args...).Scan(&status, &reason, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup submission %s: %w", key, err)
	}

	return &domain.SubmissionRecord{
		Key:         key,
		Status:      domain.Status(status),
		Reason:      reason,
		FinalizedAt: store.ParseTime(finalized),
	}, nil
}

// Record inserts the one and only record for a posting. A second call for the
// same key fails with *domain.DuplicateRecordError whatever the status.
func (l *Ledger) Record(ctx context.Context, rec domain.SubmissionRecord) error {
	if !rec.Key.Valid() {
		return fmt.Errorf("record: invalid key %q", rec.Key)
	}
	switch rec.Status {
	case domain.StatusApplied, domain.StatusSkipped, domain.StatusAmbiguousPending:
	default:
		return fmt.Errorf("record: unknown status %q", rec.Status)
	}
	if rec.FinalizedAt.IsZero() {
		rec.FinalizedAt = l.now()
	}
	ts := store.FormatTime(rec.FinalizedAt)

	query, args, err := sq.Insert("submissions").
		Columns("company_id", "posting_id", "status", "reason", "created_at", "finalized_at").
		Values(rec.Key.CompanyID, rec.Key.PostingID, string(rec.Status), rec.Reason, ts, ts).
		Suffix("ON CONFLICT(company_id, posting_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert submission %s: %w", rec.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return l.duplicate(ctx, rec.Key)
	}

	l.logger.Info("submission recorded",
		append(logger.PostingFields(rec.Key.CompanyID, rec.Key.PostingID),
			zap.String("status", string(rec.Status)),
			zap.String("reason", rec.Reason),
		)...,
	)
	return nil
}

// Resolve finalizes an ambiguous-pending record exactly once.
func (l *Ledger) Resolve(ctx context.Context, key domain.Key, status domain.Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("resolve: status %q is not terminal", status)
	}

	query, args, err := sq.Update("submissions").
		Set("status", string(status)).
		Set("reason", reason).
		Set("finalized_at", store.FormatTime(l.now())).
		Where(sq.Eq{
			"company_id": key.CompanyID,
			"posting_id": key.PostingID,
			"status":     string(domain.StatusAmbiguousPending),
		}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolve submission %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return l.duplicate(ctx, key)
	}

	l.logger.Info("review resolved",
		append(logger.PostingFields(key.CompanyID, key.PostingID),
			zap.String("status", string(status)),
			zap.String("reason", reason),
		)...,
	)
	return nil
}

func (l *Ledger) duplicate(ctx context.Context, key domain.Key) error {
	existing, err := l.Lookup(ctx, key)
	if err != nil {
		return err
	}
	return &domain.DuplicateRecordError{Key: key, Existing: existing.Status}
}

// PendingReview lists ambiguous postings waiting for a human, oldest first.
func (l *Ledger) PendingReview(ctx context.Context) ([]domain.SubmissionRecord, error) {
	return l.list(ctx, sq.Eq{"status": string(domain.StatusAmbiguousPending)})
}

// ByCompany lists every record of a company.
func (l *Ledger) ByCompany(ctx context.Context, companyID string) ([]domain.SubmissionRecord, error) {
	return l.list(ctx, sq.Eq{"company_id": companyID})
}

func (l *Ledger) list(ctx context.Context, where sq.Sqlizer) ([]domain.SubmissionRecord, error) {
	query, args, err := sq.Select("company_id", "posting_id", "status", "reason", "finalized_at").
		From("submissions").
		Where(where).
		OrderBy("created_at ASC", "company_id", "posting_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []domain.SubmissionRecord
	for rows.Next() {
		var (
			rec               domain.SubmissionRecord
			status, finalized string
		)
		if err := rows.Scan(&rec.Key.CompanyID, &rec.Key.PostingID, &status, &rec.Reason, &finalized); err != nil {
			return nil, err
		}
		rec.Status = domain.Status(status)
		rec.FinalizedAt = store.ParseTime(finalized)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExpireReviews turns ambiguous-pending records older than ttl into skipped.
// A non-positive ttl disables expiry.
func (l *Ledger) ExpireReviews(ctx context.Context, ttl time.Duration) ([]domain.Key, error) {
	if ttl <= 0 {
		return nil, nil
	}
	cutoff := store.FormatTime(l.now().Add(-ttl))

	query, args, err := sq.Select("company_id", "posting_id").
		From("submissions").
		Where(sq.Eq{"status": string(domain.StatusAmbiguousPending)}).
		Where(sq.Lt{"created_at": cutoff}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select expired reviews: %w", err)
	}
	var keys []domain.Key
	for rows.Next() {
		var k domain.Key
		if err := rows.Scan(&k.CompanyID, &k.PostingID); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	expired := make([]domain.Key, 0, len(keys))
	for _, k := range keys {
		err := l.Resolve(ctx, k, domain.StatusSkipped, ReviewExpiredReason)
		if domain.IsDuplicate(err) {
			// resolved by someone else in between
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, k)
	}

	return expired, nil
}

// Counts returns the number of records per status.
func (l *Ledger) Counts(ctx context.Context) (map[domain.Status]int, error) {
	query, args, err := sq.Select("status", "COUNT(*)").
		From("submissions").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}
