package navigator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/profile"
)

type assignment struct {
	field    browser.Field
	semantic string
}

// run is the state of one attempt.
type run struct {
	n       *Navigator
	posting domain.Posting
	url     string
	log     *zap.Logger
	session browser.Session

	// step counts submitted form steps.
	step int
	// resumed is set while the first step after a human pause is read
	// again in the live session.
	resumed bool

	plan    []assignment
	filled  []string
	blank   []string
	attempt domain.Attempt
	pause   *domain.ResumeState
	err     error
}

func (r *run) drive(ctx context.Context, state State) Result {
	// Only Start honours cancellation. Once a form is being filled the
	// attempt runs to a terminal state.
	formCtx := context.WithoutCancel(ctx)

	for {
		r.log.Debug("navigator state", zap.String("state", string(state)), zap.Int("step", r.step))

		switch state {
		case StateStart:
			state = r.start(ctx)
		case StateFieldDetection:
			state = r.detect(formCtx)
		case StateFilling:
			state = r.fill(formCtx)
		case StateStepSubmit:
			state = r.submit(formCtx)
		case StateNextStep:
			if r.step >= r.n.cfg.MaxSteps {
				r.err = &domain.FatalFormError{Step: r.step, Err: fmt.Errorf("form did not finish after %d steps", r.step)}
				state = r.failWithScreenshot(formCtx)
				continue
			}
			state = StateFieldDetection
		case StateCaptchaPause:
			return r.suspend(formCtx)
		case StateComplete:
			r.err = nil
			return r.finish(formCtx, domain.OutcomeSuccess)
		case StateFailed:
			return r.finish(formCtx, domain.OutcomeFailed)
		case StateAbandoned:
			if ctx.Err() != nil && r.session == nil {
				return r.cancelled()
			}
			return r.finish(formCtx, domain.OutcomeAbandoned)
		default:
			r.err = fmt.Errorf("unknown navigator state %q", state)
			return r.finish(formCtx, domain.OutcomeFailed)
		}
	}
}

func (r *run) start(ctx context.Context) State {
	var creds *domain.Credentials
	if r.n.creds != nil {
		c, err := r.n.creds.Credentials(ctx, r.posting.CompanyID)
		if err != nil {
			r.err = fmt.Errorf("credentials for %s: %w", r.posting.CompanyID, err)
			return StateFailed
		}
		creds = c
	}

	policy := r.n.cfg.Retry
	for try := range policy.Attempts {
		if try > 0 {
			if err := r.n.wait(ctx, policy.Delay(try-1)); err != nil {
				r.err = err
				return StateAbandoned
			}
		}

		r.attempt.StartTries++
		openCtx, cancel := context.WithTimeout(ctx, r.n.cfg.StartTimeout)
		sess, err := r.n.browser.Open(openCtx, r.url, creds)
		timedOut := errors.Is(openCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			r.session = sess
			return StateFieldDetection
		}
		if ctx.Err() != nil {
			r.err = ctx.Err()
			return StateAbandoned
		}
		if timedOut && !domain.IsTransient(err) {
			err = &domain.TransientNetworkError{URL: r.url, Err: err}
		}
		r.err = err
		if !domain.IsTransient(err) {
			return StateFailed
		}

		r.log.Warn("page load failed",
			zap.Error(err),
			zap.Int("try", r.attempt.StartTries),
			zap.Int("max_tries", policy.Attempts),
		)
	}

	return StateAbandoned
}

func (r *run) detect(ctx context.Context) State {
	resumed := r.resumed
	r.resumed = false

	captcha, err := r.session.HasCaptcha(ctx)
	if err != nil {
		r.err = r.formError(err)
		return r.failWithScreenshot(ctx)
	}
	if captcha {
		if resumed {
			// Submitting again would only bring the same challenge back.
			r.err = &domain.FatalFormError{Step: r.step, Err: browser.ErrCaptchaUnsolved}
			return r.failWithScreenshot(ctx)
		}
		r.err = &domain.CaptchaEncountered{URL: r.session.URL()}
		return StateCaptchaPause
	}

	fields, err := r.session.Fields(ctx)
	if err != nil {
		r.err = r.formError(err)
		return r.failWithScreenshot(ctx)
	}
	if len(fields) == 0 {
		if resumed && browser.IsInteractive(r.session) {
			r.log.Info("form was finished by hand", zap.String("page", r.session.URL()))
			return StateComplete
		}
		r.err = &domain.FatalFormError{Step: r.step, Err: browser.ErrNoForm}
		return r.failWithScreenshot(ctx)
	}

	r.plan = r.plan[:0]
	var unknown []string
	for _, f := range fields {
		semantic, ok := r.n.classifier.Classify(f)
		if !ok {
			if f.Required {
				unknown = append(unknown, f.Label)
			}
			continue
		}
		r.plan = append(r.plan, assignment{field: f, semantic: semantic})
	}

	if len(unknown) > 0 {
		switch {
		case !resumed:
			r.err = &domain.UnrecognizedFieldError{Fields: unknown}
			return StateCaptchaPause
		case !browser.IsInteractive(r.session):
			// Nobody could have filled them in a session without a window.
			r.err = &domain.FatalFormError{Step: r.step, Err: &domain.UnrecognizedFieldError{Fields: unknown}}
			return r.failWithScreenshot(ctx)
		}
	}
	return StateFilling
}

func (r *run) fill(ctx context.Context) State {
	for _, a := range r.plan {
		var err error
		switch a.semantic {
		case profile.FieldFileUpload:
			variant, ok := r.n.profile.ResumeFor(r.posting.Title)
			if !ok || variant.Path == "" {
				r.blank = append(r.blank, a.field.Label)
				continue
			}
			err = r.session.Attach(ctx, a.field.Name, variant.Path)
		default:
			value, ok := r.n.profile.Field(a.semantic)
			if !ok {
				r.blank = append(r.blank, a.field.Label)
				continue
			}
			err = r.session.Fill(ctx, a.field.Name, value)
		}
		if err != nil {
			r.err = r.formError(err)
			return r.failWithScreenshot(ctx)
		}
		r.filled = append(r.filled, a.field.Name)
	}

	if len(r.blank) > 0 {
		r.log.Info("fields left blank, no profile value", zap.Strings("fields", r.blank))
	}
	return StateStepSubmit
}

func (r *run) submit(ctx context.Context) State {
	affordance, err := r.session.Submit(ctx)
	if err != nil {
		r.err = r.formError(err)
		return r.failWithScreenshot(ctx)
	}
	r.step++
	r.log.Info("form step submitted", zap.Int("step", r.step), zap.String("affordance", string(affordance)))

	captcha, err := r.session.HasCaptcha(ctx)
	if err != nil {
		r.err = r.formError(err)
		return r.failWithScreenshot(ctx)
	}
	if captcha {
		r.err = &domain.CaptchaEncountered{URL: r.session.URL()}
		return StateCaptchaPause
	}

	fields, err := r.session.Fields(ctx)
	if err != nil {
		r.err = r.formError(err)
		return r.failWithScreenshot(ctx)
	}
	for _, f := range fields {
		if f.Required {
			return StateNextStep
		}
	}
	return StateComplete
}

// formError marks structural surprises as FatalFormError.
func (r *run) formError(err error) error {
	var fatal *domain.FatalFormError
	if errors.As(err, &fatal) {
		return err
	}
	return &domain.FatalFormError{Step: r.step, Err: err}
}

func (r *run) failWithScreenshot(ctx context.Context) State {
	if r.session == nil {
		return StateFailed
	}
	ref, err := r.session.Screenshot(ctx, r.n.screenshotName(r.posting, r.step))
	if err != nil {
		r.log.Warn("diagnostic screenshot failed", zap.Error(err))
		return StateFailed
	}
	r.attempt.ScreenshotRef = ref
	return StateFailed
}

// suspend keeps the session open for the human and records where the form
// stopped.
func (r *run) suspend(ctx context.Context) Result {
	rs := &domain.ResumeState{
		Token:    uuid.NewString(),
		Step:     r.step,
		PageURL:  r.url,
		PausedAt: r.n.now(),
		Filled:   append([]string(nil), r.filled...),
	}
	if r.err != nil {
		rs.Reason = r.err.Error()
	}
	if r.session != nil {
		rs.PageURL = r.session.URL()
		r.n.registry.Put(rs.Token, r.session)
		r.session = nil
	}
	r.pause = rs

	r.log.Warn("automation paused for a human",
		zap.String("reason", rs.Reason),
		zap.String("page", rs.PageURL),
	)
	return r.finish(ctx, domain.OutcomeCaptchaPaused)
}

// cancelled ends a run stopped before any page loaded. Nothing reached the
// site, so no attempt is stored.
func (r *run) cancelled() Result {
	r.log.Info("application cancelled before the page loaded",
		zap.Int("start_tries", r.attempt.StartTries),
	)
	r.attempt.Outcome = domain.OutcomeAbandoned
	r.attempt.FinishedAt = r.n.now()
	return Result{Outcome: domain.OutcomeAbandoned, Attempt: r.attempt, Err: r.err, Cancelled: true}
}

func (r *run) finish(ctx context.Context, outcome domain.Outcome) Result {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.log.Debug("close session", zap.Error(err))
		}
		r.session = nil
	}

	r.attempt.Outcome = outcome
	r.attempt.FinishedAt = r.n.now()
	r.attempt.Blank = r.blank
	if r.err != nil {
		r.attempt.FailureReason = r.err.Error()
	}

	res := Result{Outcome: outcome, Pause: r.pause, Err: r.err}
	if err := r.n.attempts.AppendAttempt(ctx, &r.attempt); err != nil {
		res.LogErr = fmt.Errorf("append attempt for %s: %w", r.posting.Key, err)
		r.log.Error("attempt not logged", zap.Error(err))
	}
	res.Attempt = r.attempt

	fields := []zap.Field{
		zap.String("outcome", string(outcome)),
		zap.Int("attempt", r.attempt.Number),
		zap.Int("start_tries", r.attempt.StartTries),
	}
	if r.err != nil {
		fields = append(fields, zap.Error(r.err))
	}
	if r.attempt.ScreenshotRef != "" {
		fields = append(fields, zap.String("screenshot", r.attempt.ScreenshotRef))
	}
	r.log.Info("application attempt finished", fields...)

	return res
}
