package browser

import (
	"context"
	"errors"

	"github.com/spigell/job-autopilot/internal/domain"
)

var (
	// ErrClosed is returned by a session used after Close.
	ErrClosed = errors.New("browser session is closed")
	// ErrNoForm means the page has no fillable form or no submit control.
	ErrNoForm = errors.New("no application form on page")
	// ErrFieldMissing means a field seen during detection is gone.
	ErrFieldMissing = errors.New("form field not found")
	// ErrRejected means the site answered with a client error status.
	ErrRejected = errors.New("request rejected by site")
	// ErrLoginFailed means the login form was shown again after signing in.
	ErrLoginFailed = errors.New("login failed")
	// ErrCaptchaUnsolved means a resumed session still shows its captcha.
	ErrCaptchaUnsolved = errors.New("captcha still present after resume")
)

// Field is a visible input of the current form step.
type Field struct {
	// Name is the control name the value is submitted under.
	Name     string
	Label    string
	Type     string
	Required bool
}

// Affordance is what the submit control of a step does.
type Affordance string

const (
	AffordanceNext   Affordance = "next"
	AffordanceSubmit Affordance = "submit"
)

// Browser opens application pages.
type Browser interface {
	// Open loads url, logging in first when creds are given. Load failures
	// worth retrying are *domain.TransientNetworkError.
	Open(ctx context.Context, url string, creds *domain.Credentials) (Session, error)
}

// Session is one open application form. A session is used by a single
// goroutine.
type Session interface {
	URL() string
	Fields(ctx context.Context) ([]Field, error)
	Fill(ctx context.Context, name, value string) error
	Attach(ctx context.Context, name, path string) error
	HasCaptcha(ctx context.Context) (bool, error)
	// Submit presses the step's submit control and loads the next page.
	Submit(ctx context.Context) (Affordance, error)
	// Screenshot stores a diagnostic capture and returns its reference.
	Screenshot(ctx context.Context, name string) (string, error)
	Close() error
}

// Interactive is implemented by sessions shown in a window a person can
// work in. A paused session that is not interactive cannot be finished by
// hand.
type Interactive interface {
	Interactive() bool
}

// IsInteractive reports whether a person can act inside s.
func IsInteractive(s Session) bool {
	i, ok := s.(Interactive)
	return ok && i.Interactive()
}
