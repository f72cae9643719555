package scoring

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
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/store"
	"github.com/spigell/job-autopilot/internal/utils"
)

// Cached stores fit results keyed by posting, profile version and a
// fingerprint of the posting text, so a posting is scored once per profile
// version and a non-deterministic provider still yields stable results.
type Cached struct {
	next   Scorer
	name   string
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewCached wraps next. name identifies the provider so switching providers
// does not reuse results.
func NewCached(db *sql.DB, name string, next Scorer, log *zap.Logger) *Cached {
	return &Cached{
		next:   next,
		name:   name,
		db:     db,
		logger: logger.WithFields(log, zap.String("component", "fit-cache")),
		now:    time.Now,
	}
}

func (c *Cached) Score(ctx context.Context, p domain.Posting, snap profile.Snapshot) (domain.FitResult, error) {
	hash := utils.Fingerprint(c.name, p.Text())

	res, err := c.lookup(ctx, p.Key, snap.Version, hash)
	if err == nil {
		c.logger.Debug("fit result cache hit", logger.PostingFields(p.CompanyID, p.PostingID)...)
		return *res, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.FitResult{}, err
	}

	fresh, err := c.next.Score(ctx, p, snap)
	if err != nil {
		return domain.FitResult{}, err
	}
	fresh.Key = p.Key
	fresh.ProfileVersion = snap.Version
	fresh.Score = Clamp(fresh.Score)
	fresh.Bucket = Classify(fresh.Score)
	if fresh.ScoredAt.IsZero() {
		fresh.ScoredAt = c.now()
	}

	query, args, err := sq.Insert("fit_results").
		Columns("company_id", "posting_id", "profile_version", "content_hash", "score", "bucket", "reason", "scored_at").
		Values(p.CompanyID, p.PostingID, snap.Version, hash, fresh.Score, string(fresh.Bucket), fresh.Reason, store.FormatTime(fresh.ScoredAt)).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return domain.FitResult{}, err
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return domain.FitResult{}, fmt.Errorf("store fit result %s: %w", p.Key, err)
	}

	// a concurrent writer may have won; its row is the one that counts
	stored, err := c.lookup(ctx, p.Key, snap.Version, hash)
	if err != nil {
		return domain.FitResult{}, err
	}
	return *stored, nil
}

func (c *Cached) lookup(ctx context.Context, key domain.Key, version, hash string) (*domain.FitResult, error) {
	query, args, err := sq.Select("score", "bucket", "reason", "scored_at").
		From("fit_results").
		Where(sq.Eq{
			"company_id":      key.CompanyID,
			"posting_id":      key.PostingID,
			"profile_version": version,
			"content_hash":    hash,
		}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var (
		res            = domain.FitResult{Key: key, ProfileVersion: version}
		bucket, scored string
	)
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&res.Score, &bucket, &res.Reason, &scored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup fit result %s: %w", key, err)
	}
	res.Bucket = domain.Bucket(bucket)
	res.ScoredAt = store.ParseTime(scored)
	return &res, nil
}
