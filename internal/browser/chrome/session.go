package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/utils"
)

const settlePoll = 100 * time.Millisecond

var (
	nextWords  = []string{"next", "continue", "proceed", "save and continue"}
	unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

type session struct {
	driver *Driver
	tab    context.Context
	cancel context.CancelFunc
	url    string
	closed bool
}

var (
	_ browser.Session     = (*session)(nil)
	_ browser.Interactive = (*session)(nil)
)

type pageState struct {
	Login       bool `json:"login"`
	Application bool `json:"application"`
}

type control struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// run executes actions in the tab, bounded by the page timeout and by ctx.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed {
		return browser.ErrClosed
	}
	runCtx, cancel := context.WithTimeout(s.tab, s.driver.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *session) eval(ctx context.Context, expression string, res any) error {
	return s.run(ctx, chromedp.Evaluate(wrap(expression), res))
}

func (s *session) navigate(ctx context.Context, target string) error {
	if err := s.driver.limiter.WaitURL(ctx, target); err != nil {
		return err
	}
	s.driver.logger.Debug("navigate", zap.String("url", target))

	runCtx, cancel := context.WithTimeout(s.tab, s.driver.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(target))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransientNetworkError{URL: target, Err: err}
	}
	if resp != nil {
		if err := statusError(target, resp.Status, resp.StatusText); err != nil {
			return err
		}
	}
	return s.location(ctx)
}

// statusError mirrors the httpform driver: 5xx and 429 are transient, other
// client errors are rejections.
func statusError(target string, status int64, text string) error {
	switch {
	case status >= 500, status == 429:
		return &domain.TransientNetworkError{URL: target, Err: fmt.Errorf("bad status: %d %s", status, text)}
	case status >= 400:
		return fmt.Errorf("%w: %s: %d %s", browser.ErrRejected, target, status, text)
	}
	return nil
}

func (s *session) location(ctx context.Context) error {
	var u string
	if err := s.run(ctx, chromedp.Location(&u)); err != nil {
		return err
	}
	s.url = u
	return nil
}

func (s *session) state(ctx context.Context) (pageState, error) {
	var st pageState
	err := s.eval(ctx, pageStateScript, &st)
	return st, err
}

func (s *session) URL() string {
	return s.url
}

// Interactive reports whether the tab is shown in a window.
func (s *session) Interactive() bool {
	return !s.driver.opts.Headless
}

func (s *session) Fields(ctx context.Context) ([]browser.Field, error) {
	// The user may have moved on in a paused tab.
	if err := s.location(ctx); err != nil {
		return nil, err
	}

	var controls []control
	if err := s.eval(ctx, fieldsScript, &controls); err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}

	fields := make([]browser.Field, 0, len(controls))
	for _, c := range controls {
		fields = append(fields, browser.Field{
			Name:     c.Name,
			Label:    c.Label,
			Type:     c.Type,
			Required: c.Required,
		})
	}
	return fields, nil
}

func (s *session) Fill(ctx context.Context, name, value string) error {
	return s.fill(ctx, name, value, false)
}

func (s *session) fill(ctx context.Context, name, value string, login bool) error {
	expr, err := call(fillFunction, name, value, login)
	if err != nil {
		return err
	}
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("fill %q: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", browser.ErrFieldMissing, name)
	}
	return nil
}

func (s *session) Attach(ctx context.Context, name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("attach %q: %w", name, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("attach %q: %w", name, err)
	}

	fields, err := s.Fields(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, f := range fields {
		if f.Name == name && f.Type == "file" {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", browser.ErrFieldMissing, name)
	}

	sel := fmt.Sprintf(`input[type="file"][name=%s]`, strconv.Quote(name))
	if err := s.run(ctx, chromedp.SetUploadFiles(sel, []string{abs}, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("attach %q: %w", name, err)
	}
	return nil
}

func (s *session) HasCaptcha(ctx context.Context) (bool, error) {
	var captcha bool
	if err := s.eval(ctx, captchaScript, &captcha); err != nil {
		return false, fmt.Errorf("check captcha: %w", err)
	}
	return captcha, nil
}

func (s *session) Submit(ctx context.Context) (browser.Affordance, error) {
	caption, err := s.press(ctx, false)
	if err != nil {
		return "", err
	}
	affordance := affordanceFor(caption)

	if err := s.settle(ctx); err != nil {
		return affordance, err
	}
	s.driver.logger.Debug("form step submitted",
		zap.String("affordance", string(affordance)),
		zap.String("next_url", s.URL()),
	)
	return affordance, nil
}

func (s *session) press(ctx context.Context, login bool) (string, error) {
	expr, err := call(pressFunction, login)
	if err != nil {
		return "", err
	}
	var caption string
	if err := s.run(ctx, chromedp.Evaluate(expr, &caption)); err != nil {
		return "", fmt.Errorf("press submit: %w", err)
	}
	if caption == "" {
		return "", fmt.Errorf("%w: no submit control", browser.ErrNoForm)
	}
	return caption, nil
}

// settle waits for the page loaded by a pressed submit control. A form
// that changes step in place keeps its document; it is read again once
// Settle has passed.
func (s *session) settle(ctx context.Context) error {
	deadline := time.Now().Add(s.driver.opts.Settle)
	var (
		state   string
		lastErr error
	)
	for {
		// Evaluating while the old document unloads fails; keep polling.
		err := s.run(ctx, chromedp.Evaluate(settleScript, &state))
		if err == nil && state == "complete" {
			return s.location(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		}

		if time.Now().After(deadline) {
			if err == nil && state == "pending" {
				if err := s.run(ctx, chromedp.Evaluate(`delete window.__autopilotPending`, nil)); err != nil {
					return err
				}
				return s.location(ctx)
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("document is %s", state)
			}
			return &domain.TransientNetworkError{URL: s.url, Err: fmt.Errorf("page did not settle: %w", lastErr)}
		}

		if err := utils.WaitFor(ctx, settlePoll); err != nil {
			return err
		}
	}
}

type loginFields struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// login fills the login form, submits it and loads target again.
func (s *session) login(ctx context.Context, creds *domain.Credentials, target string) error {
	var names *loginFields
	expr, err := call(loginFieldsFunction)
	if err != nil {
		return err
	}
	if err := s.run(ctx, chromedp.Evaluate(expr, &names)); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if names == nil || names.User == "" || names.Pass == "" {
		return fmt.Errorf("%w: login form is missing username or password input", browser.ErrNoForm)
	}

	if err := s.fill(ctx, names.User, creds.Username, true); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := s.fill(ctx, names.Pass, creds.Password, true); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if _, err := s.press(ctx, true); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := s.settle(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if err := s.navigate(ctx, target); err != nil {
		return err
	}
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	if st.Login && !st.Application {
		return fmt.Errorf("%w: %s", browser.ErrLoginFailed, target)
	}
	s.driver.logger.Debug("logged in", zap.String("user", creds.Username))
	return nil
}

// Screenshot stores a PNG of the page, or its HTML when capturing fails.
func (s *session) Screenshot(ctx context.Context, name string) (string, error) {
	dir := s.driver.opts.ScreenshotDir
	if dir == "" {
		return "", fmt.Errorf("screenshot directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "page"
	}

	var png []byte
	captureErr := s.run(ctx, chromedp.FullScreenshot(&png, 100))
	if captureErr == nil {
		path := filepath.Join(dir, name+".png")
		if err := os.WriteFile(path, png, 0o600); err != nil {
			return "", fmt.Errorf("write screenshot: %w", err)
		}
		return path, nil
	}

	var html string
	if err := s.run(ctx, chromedp.Evaluate(htmlScript, &html)); err != nil {
		return "", errors.Join(captureErr, err)
	}
	path := filepath.Join(dir, name+".html")
	if err := os.WriteFile(path, []byte(html), 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// Close closes the tab.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}

func affordanceFor(caption string) browser.Affordance {
	caption = strings.ToLower(caption)
	for _, w := range nextWords {
		if strings.Contains(caption, w) {
			return browser.AffordanceNext
		}
	}
	return browser.AffordanceSubmit
}
