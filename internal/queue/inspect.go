package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/store"
)

// PausedItem is a posting waiting for a human to continue it.
type PausedItem struct {
	Posting domain.Posting
	Resume  *domain.ResumeState
}

// SetScore stores the fit score used for ordering, tagged with the profile
// version it was computed against.
func (q *Queue) SetScore(ctx context.Context, key domain.Key, score float64, profileVersion string) error {
	query, args, err := sq.Update("queue").
		Set("score", score).
		Set("score_version", profileVersion).
		Where(sq.Eq{"company_id": key.CompanyID, "posting_id": key.PostingID}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set score %s: %w", key, err)
	}
	return nil
}

// Unscored returns pending postings whose score is missing or was computed
// against another profile version.
func (q *Queue) Unscored(ctx context.Context, companies []string, profileVersion string) ([]domain.Posting, error) {
	b := postingSelect().
		Where(sq.Eq{"q.state": statePending}).
		Where(sq.Or{sq.Eq{"q.score": nil}, sq.NotEq{"q.score_version": profileVersion}})
	if len(companies) > 0 {
		b = b.Where(sq.Eq{"q.company_id": companies})
	}

	query, args, err := b.OrderBy("p.discovered_at ASC").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unscored: %w", err)
	}
	defer rows.Close()

	var out []domain.Posting
	for rows.Next() {
		p, _, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Paused lists postings parked by a CAPTCHA or unrecognized field.
func (q *Queue) Paused(ctx context.Context) ([]PausedItem, error) {
	query, args, err := postingSelect().
		Where(sq.Eq{"q.state": statePaused}).
		OrderBy("q.updated_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list paused: %w", err)
	}
	defer rows.Close()

	var out []PausedItem
	for rows.Next() {
		p, blob, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		rs, err := decodeResumeState(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, PausedItem{Posting: p, Resume: rs})
	}
	return out, rows.Err()
}

// Posting returns a stored posting or domain.ErrNotFound.
func (q *Queue) Posting(ctx context.Context, key domain.Key) (*domain.Posting, error) {
	query, args, err := postingSelect().
		Where(sq.Eq{"p.company_id": key.CompanyID, "p.posting_id": key.PostingID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	p, _, err := scanPosting(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w", key, err)
	}
	return &p, nil
}

// Stats counts queue items per state.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	query, args, err := sq.Select("state", "COUNT(*)").From("queue").GroupBy("state").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

func postingSelect() sq.SelectBuilder {
	return sq.Select(
		"p.company_id", "p.posting_id", "p.title", "p.url", "p.location", "p.description", "p.discovered_at",
		"q.resume_state",
	).
		From("postings p").
		Join("queue q ON q.company_id = p.company_id AND q.posting_id = p.posting_id")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosting(row scanner) (domain.Posting, []byte, error) {
	var (
		p          domain.Posting
		discovered string
		blob       []byte
	)
	err := row.Scan(&p.CompanyID, &p.PostingID, &p.Title, &p.URL, &p.LocationText, &p.Description, &discovered, &blob)
	if err != nil {
		return p, nil, err
	}
	p.DiscoveredAt = store.ParseTime(discovered)
	return p, blob, nil
}
