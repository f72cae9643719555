package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/store"
)

const (
	statePending    = "pending"
	stateCheckedOut = "checked_out"
	statePaused     = "paused"
	stateDone       = "done"
)

// ErrStaleCheckout is returned when a checkout no longer owns its item.
var ErrStaleCheckout = errors.New("checkout is no longer held")

// Queue is the persisted, deduplicated set of postings awaiting processing.
type Queue struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Checkout is a reserved queue item. It must be committed, released, paused
// or demoted; otherwise Recover puts it back on the next start.
type Checkout struct {
	Posting domain.Posting
	Token   string
	// Score is nil until the posting was scored.
	Score   *float64
	Penalty float64
	// Resume is set for postings that paused and were resumed by a human.
	Resume *domain.ResumeState
	// ReviewApproved marks ambiguous postings a human approved for auto-fill.
	ReviewApproved bool
}

// InProgress reports whether the posting continues a paused attempt.
func (c *Checkout) InProgress() bool { return c.Resume != nil }

func New(db *sql.DB, log *zap.Logger) *Queue {
	return &Queue{
		db:     db,
		logger: logger.WithFields(log, zap.String("component", "queue")),
		now:    time.Now,
	}
}

// Enqueue adds a posting. It is a no-op returning false when the key is
// already queued or already has a ledger record.
func (q *Queue) Enqueue(ctx context.Context, p domain.Posting) (bool, error) {
	if !p.Key.Valid() {
		return false, fmt.Errorf("enqueue: invalid key %q", p.Key)
	}
	if p.URL == "" {
		return false, fmt.Errorf("enqueue %s: url is required", p.Key)
	}
	now := q.now()
	if p.DiscoveredAt.IsZero() {
		p.DiscoveredAt = now
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sq.Insert("postings").
		Columns("company_id", "posting_id", "title", "url", "location", "description", "discovered_at").
		Values(p.CompanyID, p.PostingID, p.Title, p.URL, p.LocationText, p.Description, store.FormatTime(p.DiscoveredAt)).
		Suffix("ON CONFLICT(company_id, posting_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert posting %s: %w", p.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	var recorded int
	query, args, err = sq.Select("COUNT(*)").
		From("submissions").
		Where(sq.Eq{"company_id": p.CompanyID, "posting_id": p.PostingID}).
		ToSql()
	if err != nil {
		return false, err
	}
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&recorded); err != nil {
		return false, fmt.Errorf("check ledger for %s: %w", p.Key, err)
	}
	if recorded > 0 {
		return false, nil
	}

	query, args, err = sq.Insert("queue").
		Columns("company_id", "posting_id", "state", "updated_at").
		Values(p.CompanyID, p.PostingID, statePending, store.FormatTime(now)).
		ToSql()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("insert queue item %s: %w", p.Key, err)
	}

	// A new posting makes an exhausted company worth visiting again.
	query, args, err = sq.Insert("companies").
		Columns("company_id").
		Values(p.CompanyID).
		Suffix("ON CONFLICT(company_id) DO UPDATE SET exhausted = 0, exhausted_at = ''").
		ToSql()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("upsert company %s: %w", p.CompanyID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	q.logger.Debug("posting enqueued", logger.PostingFields(p.CompanyID, p.PostingID)...)
	return true, nil
}

// DequeueNext checks out the highest-priority pending posting for policy.
// Nothing is removed until the checkout is committed.
func (q *Queue) DequeueNext(ctx context.Context, policy Policy) (*Checkout, error) {
	// Another session may grab the same row between select and update;
	// the conditional update detects that and we pick again.
	for range 5 {
		c, err := q.selectNext(ctx, policy)
		if err != nil {
			return nil, err
		}

		token := uuid.New().String()
		query, args, err := sq.Update("queue").
			Set("state", stateCheckedOut).
			Set("checkout_token", token).
			Set("checked_out_at", store.FormatTime(q.now())).
			Set("updated_at", store.FormatTime(q.now())).
			Where(sq.Eq{"company_id": c.Posting.CompanyID, "posting_id": c.Posting.PostingID, "state": statePending}).
			ToSql()
		if err != nil {
			return nil, err
		}
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("checkout %s: %w", c.Posting.Key, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			c.Token = token
			q.logger.Debug("posting checked out",
				append(logger.PostingFields(c.Posting.CompanyID, c.Posting.PostingID),
					zap.Bool("in_progress", c.InProgress()),
				)...,
			)
			return c, nil
		}
	}

	return nil, fmt.Errorf("checkout: too much contention")
}

func (q *Queue) selectNext(ctx context.Context, policy Policy) (*Checkout, error) {
	b := sq.Select(
		"q.company_id", "q.posting_id", "p.title", "p.url", "p.location", "p.description", "p.discovered_at",
		"q.score", "q.penalty", "q.resume_state", "q.resumable", "q.review_approved",
	).
		From("queue q").
		Join("postings p ON p.company_id = q.company_id AND p.posting_id = q.posting_id").
		LeftJoin("companies c ON c.company_id = q.company_id").
		Where(sq.Eq{"q.state": statePending})

	if len(policy.Companies) > 0 {
		b = b.Where(sq.Eq{"q.company_id": policy.Companies})
	}
	if !policy.IncludeExhausted {
		b = b.Where("COALESCE(c.exhausted, 0) = 0")
	}
	for _, k := range policy.Exclude {
		b = b.Where("NOT (q.company_id = ? AND q.posting_id = ?)", k.CompanyID, k.PostingID)
	}

	query, args, err := b.OrderBy(policy.orderBy()...).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}

	var (
		c          Checkout
		discovered string
		score      sql.NullFloat64
		resume     []byte
		resumable  bool
		approved   bool
	)
	err = q.db.QueryRowContext(ctx, query, args...).Scan(
		&c.Posting.CompanyID, &c.Posting.PostingID, &c.Posting.Title, &c.Posting.URL,
		&c.Posting.LocationText, &c.Posting.Description, &discovered,
		&score, &c.Penalty, &resume, &resumable, &approved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("select next posting: %w", err)
	}

	c.Posting.DiscoveredAt = store.ParseTime(discovered)
	if score.Valid {
		s := score.Float64
		c.Score = &s
	}
	if resumable {
		rs, err := decodeResumeState(resume)
		if err != nil {
			return nil, err
		}
		c.Resume = rs
	}
	c.ReviewApproved = approved

	return &c, nil
}

// Commit removes a checked out posting from the queue for good.
func (q *Queue) Commit(ctx context.Context, c *Checkout) error {
	return q.finish(ctx, c, map[string]any{
		"state":        stateDone,
		"resume_state": nil,
		"resumable":    0,
	})
}

// Release returns a checked out posting to pending untouched.
func (q *Queue) Release(ctx context.Context, c *Checkout) error {
	return q.finish(ctx, c, map[string]any{"state": statePending})
}

// Demote returns a posting to pending with its priority lowered by penalty.
func (q *Queue) Demote(ctx context.Context, c *Checkout, penalty float64) error {
	return q.finish(ctx, c, map[string]any{
		"state":        statePending,
		"penalty":      sq.Expr("penalty + ?", penalty),
		"resume_state": nil,
		"resumable":    0,
	})
}

// Pause parks a posting as in progress. It is not dequeued again until
// MarkResumable is called for it.
func (q *Queue) Pause(ctx context.Context, c *Checkout, rs domain.ResumeState) error {
	blob, err := encodeResumeState(&rs)
	if err != nil {
		return err
	}
	return q.finish(ctx, c, map[string]any{
		"state":        statePaused,
		"resume_state": blob,
		"resumable":    0,
	})
}

func (q *Queue) finish(ctx context.Context, c *Checkout, set map[string]any) error {
	if c == nil || c.Token == "" {
		return ErrStaleCheckout
	}
	set["checkout_token"] = ""
	set["checked_out_at"] = ""
	set["updated_at"] = store.FormatTime(q.now())

	query, args, err := sq.Update("queue").
		SetMap(set).
		Where(sq.Eq{
			"company_id":     c.Posting.CompanyID,
			"posting_id":     c.Posting.PostingID,
			"state":          stateCheckedOut,
			"checkout_token": c.Token,
		}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update queue item %s: %w", c.Posting.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", c.Posting.Key, ErrStaleCheckout)
	}
	c.Token = ""
	return nil
}

// MarkResumable is the human resume signal for a paused posting.
func (q *Queue) MarkResumable(ctx context.Context, key domain.Key) error {
	query, args, err := sq.Update("queue").
		Set("state", statePending).
		Set("resumable", 1).
		Set("updated_at", store.FormatTime(q.now())).
		Where(sq.Eq{"company_id": key.CompanyID, "posting_id": key.PostingID, "state": statePaused}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark resumable %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("paused posting %s: %w", key, domain.ErrNotFound)
	}
	return q.clearExhausted(ctx, key.CompanyID)
}

// ApproveReview puts an ambiguous posting back for auto-fill.
func (q *Queue) ApproveReview(ctx context.Context, key domain.Key) error {
	query, args, err := sq.Update("queue").
		Set("state", statePending).
		Set("review_approved", 1).
		Set("updated_at", store.FormatTime(q.now())).
		Where(sq.Eq{"company_id": key.CompanyID, "posting_id": key.PostingID, "state": stateDone}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("approve review %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reviewed posting %s: %w", key, domain.ErrNotFound)
	}
	return q.clearExhausted(ctx, key.CompanyID)
}

// Recover returns every checked out posting to pending. It must only run
// while no session is active, which the data directory lock guarantees.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	query, args, err := sq.Update("queue").
		Set("state", statePending).
		Set("checkout_token", "").
		Set("checked_out_at", "").
		Set("updated_at", store.FormatTime(q.now())).
		Where(sq.Eq{"state": stateCheckedOut}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("recover checkouts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Warn("recovered postings checked out by a previous run", zap.Int64("count", n))
	}
	return int(n), nil
}
