package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/navigator"
	"github.com/spigell/job-autopilot/internal/notify"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/queue"
)

// session is one browser worker bound to a fixed set of companies.
type session struct {
	o      *Orchestrator
	snap   profile.Snapshot
	budget *budget
	log    *zap.Logger

	// partition is the fixed company set; companies shrinks as companies
	// reach their per-run cap.
	partition []string
	companies []string

	// applied counts form submissions per company in this run.
	applied map[string]int

	// handedBack holds postings returned to pending this run so the session
	// does not pick them again.
	handedBack []domain.Key

	summary domain.Summary
}

func (s *session) loop(ctx context.Context) (domain.Summary, error) {
	for {
		if err := ctx.Err(); err != nil {
			s.log.Info("stopping session", zap.String("reason", "run cancelled"))
			return s.summary, nil
		}
		if len(s.companies) == 0 {
			break
		}

		c, err := s.o.queue.DequeueNext(ctx, queue.Policy{
			Companies: s.companies,
			Exclude:   s.handedBack,
			Order:     s.o.cfg.Order,
		})
		if errors.Is(err, domain.ErrNotAvailable) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.summary, nil
			}
			return s.summary, err
		}

		// The posting runs to a decision even if the run is cancelled meanwhile.
		err = s.process(context.WithoutCancel(ctx), ctx, c)
		if errors.Is(err, domain.ErrBudgetExhausted) {
			s.log.Info("stopping session", zap.String("reason", err.Error()))
			return s.summary, nil
		}
		if err != nil {
			return s.summary, err
		}
	}

	return s.summary, s.markExhausted(context.WithoutCancel(ctx))
}

// process takes one checkout to a decision. ctx stays valid for the whole
// posting; runCtx is only handed to the navigator's page load.
func (s *session) process(ctx, runCtx context.Context, c *queue.Checkout) error {
	p := c.Posting
	log := logger.WithPosting(s.log, p.CompanyID, p.PostingID)

	rec, err := s.o.ledger.Lookup(ctx, p.Key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	approved := false
	if rec != nil {
		if !(c.ReviewApproved && rec.Status == domain.StatusAmbiguousPending) {
			log.Info("already decided", zap.String("status", string(rec.Status)))
			return s.o.queue.Commit(ctx, c)
		}
		approved = true
	}

	if !approved && c.Resume == nil {
		res, err := s.o.scorer.Score(ctx, p, s.snap)
		if err != nil {
			log.Warn("scoring failed", zap.Error(err))
			return s.handBack(ctx, c, 0)
		}
		if c.Score == nil {
			if err := s.o.queue.SetScore(ctx, p.Key, res.Score, s.snap.Version); err != nil {
				return err
			}
		}

		log.Info("posting scored",
			zap.Float64("score", res.Score),
			zap.String("bucket", string(res.Bucket)),
		)

		switch res.Bucket {
		case domain.BucketReject:
			return s.decide(ctx, c, domain.StatusSkipped, scoreReason(res), func() { s.summary.Skipped++ })
		case domain.BucketAmbiguous:
			return s.decide(ctx, c, domain.StatusAmbiguousPending, scoreReason(res), func() {
				s.summary.Ambiguous++
				s.o.notify(ctx, notify.EventReview, p, scoreReason(res), "")
			})
		}
	}

	return s.apply(ctx, runCtx, c, approved)
}

// decide writes a skip or review record and commits the checkout.
func (s *session) decide(ctx context.Context, c *queue.Checkout, status domain.Status, reason string, done func()) error {
	err := s.o.ledger.Record(ctx, domain.SubmissionRecord{Key: c.Posting.Key, Status: status, Reason: reason})
	if domain.IsDuplicate(err) {
		return s.duplicate(ctx, c, err)
	}
	if err != nil {
		return err
	}
	if err := s.o.queue.Commit(ctx, c); err != nil {
		return err
	}
	done()
	return nil
}

func (s *session) apply(ctx, runCtx context.Context, c *queue.Checkout, approved bool) error {
	p := c.Posting
	log := logger.WithPosting(s.log, p.CompanyID, p.PostingID)

	// Another process sharing the store may have applied meanwhile.
	done, err := s.o.ledger.WasApplied(ctx, p.Key)
	if err != nil {
		return err
	}
	if done {
		log.Info("already applied", zap.String("reason", "recorded since checkout"))
		return s.o.queue.Commit(ctx, c)
	}

	if !s.budget.take() {
		if err := s.o.queue.Release(ctx, c); err != nil {
			return err
		}
		return domain.ErrBudgetExhausted
	}
	s.countApplication(p.CompanyID)

	var res navigator.Result
	if c.Resume != nil {
		log.Info("resuming application", zap.Int("step", c.Resume.Step))
		res = s.o.nav.Resume(runCtx, p, *c.Resume)
	} else {
		log.Info("applying", zap.Bool("review_approved", approved))
		res = s.o.nav.Apply(runCtx, p)
	}
	if res.LogErr != nil {
		return fmt.Errorf("store attempt for %s: %w", p.Key, res.LogErr)
	}

	switch res.Outcome {
	case domain.OutcomeSuccess:
		var err error
		if approved {
			err = s.o.ledger.Resolve(ctx, p.Key, domain.StatusApplied, "approved by reviewer")
		} else {
			err = s.o.ledger.Record(ctx, domain.SubmissionRecord{Key: p.Key, Status: domain.StatusApplied})
		}
		if domain.IsDuplicate(err) {
			return s.duplicate(ctx, c, err)
		}
		if err != nil {
			return err
		}
		if err := s.o.queue.Commit(ctx, c); err != nil {
			return err
		}
		s.summary.Applied++
		s.o.notify(ctx, notify.EventApplied, p, "", "")
		return nil

	case domain.OutcomeCaptchaPaused:
		if res.Pause == nil {
			return fmt.Errorf("paused attempt for %s carries no resume state", p.Key)
		}
		if err := s.o.queue.Pause(ctx, c, *res.Pause); err != nil {
			return err
		}
		s.summary.Paused++
		event := notify.EventCaptchaPause
		var unrecognized *domain.UnrecognizedFieldError
		if errors.As(res.Err, &unrecognized) {
			event = notify.EventFieldHandoff
		}
		s.o.notify(ctx, event, p, errString(res.Err), res.Pause.Token)
		return nil

	case domain.OutcomeAbandoned:
		if res.Cancelled {
			// Nothing reached the site; the posting keeps its place.
			s.budget.refund()
			return s.o.queue.Release(ctx, c)
		}
		log.Warn("application abandoned", zap.Error(res.Err))
		s.summary.Failed++
		s.o.notify(ctx, notify.EventFailed, p, errString(res.Err), "")
		return s.handBack(ctx, c, s.o.cfg.AbandonPenalty)

	default:
		log.Error("application failed",
			zap.Error(res.Err),
			zap.String("screenshot", res.Attempt.ScreenshotRef),
		)
		s.summary.Failed++
		s.o.notify(ctx, notify.EventFailed, p, errString(res.Err), "")
		return s.handBack(ctx, c, s.o.cfg.FailurePenalty)
	}
}

// handBack returns a posting to pending with lowered priority and keeps the
// session from picking it again this run.
func (s *session) handBack(ctx context.Context, c *queue.Checkout, penalty float64) error {
	key := c.Posting.Key
	var err error
	if penalty > 0 {
		err = s.o.queue.Demote(ctx, c, penalty)
	} else {
		err = s.o.queue.Release(ctx, c)
	}
	if err != nil {
		return err
	}
	s.handedBack = append(s.handedBack, key)
	return nil
}

// duplicate reports a lost record race. The checkout is not committed.
func (s *session) duplicate(ctx context.Context, c *queue.Checkout, err error) error {
	s.log.Error("submission record already exists",
		append(logger.PostingFields(c.Posting.CompanyID, c.Posting.PostingID), zap.Error(err))...,
	)
	return s.handBack(ctx, c, 0)
}

func (s *session) countApplication(companyID string) {
	s.applied[companyID]++
	if s.o.cfg.PerCompany > 0 && s.applied[companyID] >= s.o.cfg.PerCompany {
		s.log.Info("company reached its share of this run",
			zap.String(logger.FieldCompany, companyID),
			zap.Int("applications", s.applied[companyID]),
		)
		s.companies = slices.DeleteFunc(s.companies, func(c string) bool { return c == companyID })
	}
}

// markExhausted flags companies with nothing left to do so later runs skip
// them until new postings arrive.
func (s *session) markExhausted(ctx context.Context) error {
	for _, company := range s.partition {
		n, err := s.o.queue.Outstanding(ctx, company)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := s.o.queue.MarkCompanyExhausted(ctx, company); err != nil {
			return err
		}
		s.log.Debug("company exhausted", zap.String(logger.FieldCompany, company))
	}
	return nil
}

func scoreReason(r domain.FitResult) string {
	if r.Reason != "" {
		return fmt.Sprintf("score %.2f: %s", r.Score, r.Reason)
	}
	return fmt.Sprintf("score %.2f", r.Score)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
