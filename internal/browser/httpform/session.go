package httpform

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
)

type session struct {
	driver *Driver
	client *http.Client
	page   *page
	values map[string]string
	files  map[string]string
	closed bool
}

func (s *session) setPage(p *page) {
	s.page = p
	s.values = map[string]string{}
	s.files = map[string]string{}
}

func (s *session) URL() string {
	if s.page == nil {
		return ""
	}
	return s.page.url.String()
}

func (s *session) Fields(_ context.Context) ([]browser.Field, error) {
	if s.closed {
		return nil, browser.ErrClosed
	}
	form := s.page.applicationForm()
	if form == nil {
		return nil, nil
	}
	return visibleControls(form), nil
}

func (s *session) field(name string) (browser.Field, error) {
	if s.closed {
		return browser.Field{}, browser.ErrClosed
	}
	form := s.page.applicationForm()
	if form == nil {
		return browser.Field{}, browser.ErrNoForm
	}
	fields := visibleControls(form)
	i := slices.IndexFunc(fields, func(f browser.Field) bool { return f.Name == name })
	if i < 0 {
		return browser.Field{}, fmt.Errorf("%w: %q", browser.ErrFieldMissing, name)
	}
	return fields[i], nil
}

func (s *session) Fill(_ context.Context, name, value string) error {
	f, err := s.field(name)
	if err != nil {
		return err
	}
	if f.Type == "file" {
		return fmt.Errorf("field %q is a file input", name)
	}
	s.values[name] = value
	return nil
}

func (s *session) Attach(_ context.Context, name, path string) error {
	f, err := s.field(name)
	if err != nil {
		return err
	}
	if f.Type != "file" {
		return fmt.Errorf("field %q is not a file input", name)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("attach %q: %w", name, err)
	}
	s.files[name] = path
	return nil
}

func (s *session) HasCaptcha(_ context.Context) (bool, error) {
	if s.closed {
		return false, browser.ErrClosed
	}
	return s.page.hasCaptcha(), nil
}

func (s *session) Submit(ctx context.Context) (browser.Affordance, error) {
	if s.closed {
		return "", browser.ErrClosed
	}
	form := s.page.applicationForm()
	if form == nil {
		return "", browser.ErrNoForm
	}
	btn, affordance := submitter(form)
	if btn == nil {
		return "", fmt.Errorf("%w: no submit control", browser.ErrNoForm)
	}

	p, err := s.submitForm(ctx, form, btn, s.values, s.files)
	if err != nil {
		return affordance, err
	}
	s.setPage(p)

	s.driver.logger.Debug("form step submitted",
		zap.String("affordance", string(affordance)),
		zap.String("next_url", s.URL()),
	)
	return affordance, nil
}

func (s *session) submitForm(ctx context.Context, form, btn *goquery.Selection, fills, files map[string]string) (*page, error) {
	target, method, err := s.page.resolve(form)
	if err != nil {
		return nil, err
	}

	values := defaults(form)
	for k, v := range fills {
		values[k] = []string{v}
	}
	if name := btn.AttrOr("name", ""); name != "" {
		values[name] = []string{btn.AttrOr("value", "")}
	}

	return s.send(ctx, method, target, formData{values: values, files: files})
}

// login fills the first text-like input and the password input of the
// login form and submits it.
func (s *session) login(ctx context.Context, creds *domain.Credentials) error {
	form := s.page.loginForm()
	btn, _ := submitter(form)
	if btn == nil {
		return fmt.Errorf("%w: login form has no submit control", browser.ErrNoForm)
	}

	fills := map[string]string{}
	form.Find("input").EachWithBreak(func(_ int, in *goquery.Selection) bool {
		name := in.AttrOr("name", "")
		switch controlType(in) {
		case "text", "email":
			if _, ok := fills["user"]; !ok && name != "" {
				fills["user"] = name
			}
		case "password":
			if name != "" {
				fills["pass"] = name
			}
		}
		return len(fills) < 2
	})
	if fills["user"] == "" || fills["pass"] == "" {
		return fmt.Errorf("%w: login form is missing username or password input", browser.ErrNoForm)
	}

	p, err := s.submitForm(ctx, form, btn, map[string]string{
		fills["user"]: creds.Username,
		fills["pass"]: creds.Password,
	}, nil)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.setPage(p)
	s.driver.logger.Debug("logged in", zap.String("user", creds.Username))
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Screenshot writes the current page HTML into the screenshot directory.
func (s *session) Screenshot(_ context.Context, name string) (string, error) {
	if s.page == nil {
		return "", browser.ErrClosed
	}
	dir := s.driver.screenshotDir
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
	path := filepath.Join(dir, name+".html")
	if err := os.WriteFile(path, s.page.html, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}
