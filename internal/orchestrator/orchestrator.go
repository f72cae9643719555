package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/ledger"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/navigator"
	"github.com/spigell/job-autopilot/internal/notify"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/queue"
	"github.com/spigell/job-autopilot/internal/scoring"
)

const (
	defaultFailurePenalty = 2
	defaultAbandonPenalty = 1
)

// Navigator fills application forms.
type Navigator interface {
	Apply(ctx context.Context, p domain.Posting) navigator.Result
	Resume(ctx context.Context, p domain.Posting, rs domain.ResumeState) navigator.Result
}

// SnapshotSource hands out the current profile snapshot.
type SnapshotSource interface {
	Snapshot() profile.Snapshot
}

type Config struct {
	// Budget caps form submissions made by one Orchestrator over all its
	// runs. Zero means no cap.
	Budget int `mapstructure:"budget"`

	// PerCompany caps form submissions per company per run. Zero means no cap.
	PerCompany int `mapstructure:"per-company"`

	// Sessions is the number of parallel browser sessions.
	Sessions int `mapstructure:"sessions"`

	// FailurePenalty lowers the priority of postings whose form failed.
	FailurePenalty float64 `mapstructure:"failure-penalty"`

	// AbandonPenalty lowers the priority of postings whose page never loaded.
	AbandonPenalty float64 `mapstructure:"abandon-penalty"`

	// ReviewTTL expires ambiguous postings nobody reviewed. Zero keeps them.
	ReviewTTL time.Duration `mapstructure:"-"`

	Order queue.Order `mapstructure:"-"`
}

// Orchestrator turns the queue into submissions.
type Orchestrator struct {
	queue    *queue.Queue
	ledger   *ledger.Ledger
	scorer   scoring.Scorer
	profiles SnapshotSource
	nav      Navigator
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger

	// budget outlives a single Run so repeated runs of one command share it.
	budget *budget

	now func() time.Time
}

func New(q *queue.Queue, l *ledger.Ledger, s scoring.Scorer, p SnapshotSource, nav Navigator, n notify.Notifier, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.FailurePenalty <= 0 {
		cfg.FailurePenalty = defaultFailurePenalty
	}
	if cfg.AbandonPenalty <= 0 {
		cfg.AbandonPenalty = defaultAbandonPenalty
	}
	if n == nil {
		n = notify.Nop{}
	}

	return &Orchestrator{
		queue:    q,
		ledger:   l,
		scorer:   s,
		profiles: p,
		nav:      nav,
		notifier: n,
		cfg:      cfg,
		logger:   logger.WithFields(log, zap.String("component", "orchestrator")),
		budget:   newBudget(cfg.Budget),
		now:      time.Now,
	}
}

// Run processes the queue until it is empty, the budget is spent or ctx is
// cancelled. Cancellation is honoured between postings only. Per-posting
// errors are contained; storage errors abort the run.
func (o *Orchestrator) Run(ctx context.Context) (domain.Summary, error) {
	var summary domain.Summary

	if n, err := o.queue.Recover(ctx); err != nil {
		return summary, err
	} else if n > 0 {
		o.logger.Info("returned interrupted postings to the queue", zap.Int("count", n))
	}

	if o.cfg.ReviewTTL > 0 {
		expired, err := o.ledger.ExpireReviews(ctx, o.cfg.ReviewTTL)
		if err != nil {
			return summary, err
		}
		summary.Skipped += len(expired)
	}

	companies, err := o.queue.Companies(ctx, false)
	if err != nil {
		return summary, err
	}
	if len(companies) == 0 {
		o.logger.Info("nothing to process", zap.String("reason", "queue is empty"))
		return summary, nil
	}

	snap := o.profiles.Snapshot()
	if err := o.prime(ctx, companies, snap); err != nil {
		return summary, err
	}

	partitions := partition(companies, o.cfg.Sessions)
	o.logger.Info("starting run",
		zap.Int("companies", len(companies)),
		zap.Int("sessions", len(partitions)),
		zap.Int("budget", o.cfg.Budget),
		zap.Int64("budget_left", o.budget.remaining()),
		zap.String("profile_version", snap.Version),
	)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, part := range partitions {
		s := &session{
			o:         o,
			snap:      snap,
			budget:    o.budget,
			partition: part,
			companies: slices.Clone(part),
			applied:   make(map[string]int, len(part)),
			log:       logger.WithFields(o.logger, zap.Int(logger.FieldSession, i)),
		}
		g.Go(func() error {
			got, err := s.loop(gctx)
			mu.Lock()
			summary.Add(got)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	o.logger.Info("run finished",
		zap.Int("applied", summary.Applied),
		zap.Int("skipped", summary.Skipped),
		zap.Int("ambiguous", summary.Ambiguous),
		zap.Int("failed", summary.Failed),
		zap.Int("paused", summary.Paused),
		zap.Bool("cancelled", ctx.Err() != nil),
	)
	return summary, err
}

// Resume is the human signal that a paused posting can continue.
func (o *Orchestrator) Resume(ctx context.Context, key domain.Key) error {
	if err := o.queue.MarkResumable(ctx, key); err != nil {
		return fmt.Errorf("resume %s: %w", key, err)
	}
	o.logger.Info("posting marked resumable", logger.PostingFields(key.CompanyID, key.PostingID)...)
	return nil
}

// prime scores postings without a current score so the queue can order
// them. Scoring failures leave the posting unscored.
func (o *Orchestrator) prime(ctx context.Context, companies []string, snap profile.Snapshot) error {
	postings, err := o.queue.Unscored(ctx, companies, snap.Version)
	if err != nil {
		return err
	}

	for _, p := range postings {
		if ctx.Err() != nil {
			return nil
		}
		res, err := o.scorer.Score(ctx, p, snap)
		if err != nil {
			o.logger.Warn("scoring failed",
				append(logger.PostingFields(p.CompanyID, p.PostingID), zap.Error(err))...,
			)
			continue
		}
		if err := o.queue.SetScore(ctx, p.Key, res.Score, snap.Version); err != nil {
			return err
		}
	}

	if len(postings) > 0 {
		o.logger.Info("scored postings", zap.Int("count", len(postings)))
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, t notify.EventType, p domain.Posting, reason, token string) {
	o.notifier.Notify(ctx, notify.Event{
		Type:        t,
		Key:         p.Key,
		Title:       p.Title,
		URL:         p.URL,
		Reason:      reason,
		ResumeToken: token,
		At:          o.now(),
	})
}

// partition splits companies into at most n disjoint groups.
func partition(companies []string, n int) [][]string {
	if n > len(companies) {
		n = len(companies)
	}
	parts := make([][]string, n)
	for i, c := range companies {
		parts[i%n] = append(parts[i%n], c)
	}
	return parts
}

// budget is the submission allowance shared by sessions.
type budget struct {
	limited bool
	left    atomic.Int64
}

func newBudget(n int) *budget {
	b := &budget{limited: n > 0}
	b.left.Store(int64(n))
	return b
}

func (b *budget) take() bool {
	if !b.limited {
		return true
	}
	for {
		left := b.left.Load()
		if left <= 0 {
			return false
		}
		if b.left.CompareAndSwap(left, left-1) {
			return true
		}
	}
}

// refund returns an allowance taken for a submission that never happened.
func (b *budget) refund() {
	if b.limited {
		b.left.Add(1)
	}
}

// remaining is -1 for an unlimited budget.
func (b *budget) remaining() int64 {
	if !b.limited {
		return -1
	}
	return b.left.Load()
}
