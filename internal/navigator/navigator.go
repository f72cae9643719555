package navigator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/utils"
)

type State string

const (
	StateStart          State = "start"
	StateFieldDetection State = "field-detection"
	StateFilling        State = "filling"
	StateStepSubmit     State = "step-submit"
	StateNextStep       State = "next-step"
	StateCaptchaPause   State = "captcha-pause"
	StateComplete       State = "complete"
	StateFailed         State = "failed"
	StateAbandoned      State = "abandoned"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultMaxSteps     = 10
)

// ProfileSource supplies values for classified fields.
type ProfileSource interface {
	Field(semantic string) (string, bool)
	ResumeFor(title string) (profile.ResumeVariant, bool)
}

// CredentialSource returns login material for a company, or nil when the
// company needs none.
type CredentialSource interface {
	Credentials(ctx context.Context, companyID string) (*domain.Credentials, error)
}

// AttemptLog stores terminated attempts.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, a *domain.Attempt) error
}

type Config struct {
	StartTimeout time.Duration
	Retry        RetryPolicy
	// MaxSteps guards against forms that never stop asking.
	MaxSteps int
}

// Result is how an application attempt ended.
type Result struct {
	Outcome domain.Outcome
	Attempt domain.Attempt
	// Pause is set when the outcome is captchaPaused.
	Pause *domain.ResumeState
	// Err is the cause for paused, failed and abandoned outcomes.
	Err error
	// LogErr is set when the attempt could not be stored.
	LogErr error
	// Cancelled marks an abandon caused by cancellation before any page
	// loaded. No attempt was stored for it.
	Cancelled bool
}

// Navigator drives one application form per call. It is safe for use by
// several sessions at once; each call owns its browser session.
type Navigator struct {
	browser    browser.Browser
	profile    ProfileSource
	creds      CredentialSource
	attempts   AttemptLog
	classifier *Classifier
	registry   *Registry
	cfg        Config
	logger     *zap.Logger

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

func New(b browser.Browser, p ProfileSource, creds CredentialSource, attempts AttemptLog, classifier *Classifier, cfg Config, log *zap.Logger) *Navigator {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	cfg.Retry = cfg.Retry.normalized()
	if classifier == nil {
		classifier, _ = NewClassifier(nil)
	}

	return &Navigator{
		browser:    b,
		profile:    p,
		creds:      creds,
		attempts:   attempts,
		classifier: classifier,
		registry:   NewRegistry(),
		cfg:        cfg,
		logger:     logger.WithFields(log, zap.String("component", "navigator")),
		now:        time.Now,
		wait:       utils.WaitFor,
	}
}

// Registry exposes the sessions held open for paused postings.
func (n *Navigator) Registry() *Registry { return n.registry }

// Apply runs the form for a posting from the start.
func (n *Navigator) Apply(ctx context.Context, p domain.Posting) Result {
	r := n.newRun(p)
	return r.drive(ctx, StateStart)
}

// Resume continues a paused posting. With the paused session still open it
// continues on the page the human worked on; otherwise it reopens the page
// the pause happened on, keeping the step count.
func (n *Navigator) Resume(ctx context.Context, p domain.Posting, rs domain.ResumeState) Result {
	r := n.newRun(p)
	r.step = rs.Step
	r.filled = append(r.filled, rs.Filled...)
	if rs.PageURL != "" {
		r.url = rs.PageURL
	}

	if sess, ok := n.registry.Take(rs.Token); ok {
		r.session = sess
		r.resumed = true
		r.log.Info("resuming in the paused session", zap.Int("step", r.step))
		return r.drive(ctx, StateFieldDetection)
	}

	r.log.Info("resuming by reopening the paused page", zap.Int("step", r.step), zap.String("url", r.url))
	return r.drive(ctx, StateStart)
}

func (n *Navigator) newRun(p domain.Posting) *run {
	return &run{
		n:       n,
		posting: p,
		url:     p.URL,
		log:     logger.WithPosting(n.logger, p.CompanyID, p.PostingID),
		attempt: domain.Attempt{Key: p.Key, StartedAt: n.now()},
	}
}

func (n *Navigator) screenshotName(p domain.Posting, step int) string {
	return fmt.Sprintf("%s-%s-step%d-%d", p.CompanyID, p.PostingID, step, n.now().Unix())
}
