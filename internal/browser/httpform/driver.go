// Package httpform drives application forms over plain HTTP: pages are
// fetched with a cookie-aware client, forms are read with goquery and
// submitted as multipart requests. Pages that need JavaScript are out of
// its reach and surface as missing forms. Nobody can act in its sessions,
// so it serves as the headless fallback to the chrome driver.
package httpform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
)

const defaultTimeout = 30 * time.Second

type Options struct {
	// Timeout bounds every single page load.
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	// ScreenshotDir receives HTML snapshots of failing pages.
	ScreenshotDir string
	// Transport is used instead of http.DefaultTransport when set.
	Transport http.RoundTripper
}

type Driver struct {
	timeout       time.Duration
	userAgent     string
	screenshotDir string
	transport     http.RoundTripper
	limiter       *browser.HostLimiter
	logger        *zap.Logger
}

var _ browser.Browser = (*Driver)(nil)

func New(opts Options, log *zap.Logger) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = userAgent
	}
	return &Driver{
		timeout:       opts.Timeout,
		userAgent:     opts.UserAgent,
		screenshotDir: opts.ScreenshotDir,
		transport:     opts.Transport,
		limiter:       browser.NewHostLimiter(opts.RequestsPerSecond, opts.Burst),
		logger:        logger.WithFields(log, zap.String("browser", "httpform")),
	}
}

// Open starts a fresh session with its own cookie jar.
func (d *Driver) Open(ctx context.Context, target string, creds *domain.Credentials) (browser.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	s := &session{
		driver: d,
		client: &http.Client{
			Timeout:   d.timeout,
			Jar:       jar,
			Transport: d.transport,
		},
	}

	p, err := s.get(ctx, target)
	if err != nil {
		return nil, err
	}
	s.setPage(p)

	if creds != nil && p.loginForm() != nil {
		if err := s.login(ctx, creds); err != nil {
			return nil, err
		}
		if p, err = s.get(ctx, target); err != nil {
			return nil, err
		}
		if p.loginForm() != nil && p.applicationForm() == nil {
			return nil, fmt.Errorf("%w: %s", browser.ErrLoginFailed, target)
		}
		s.setPage(p)
	}

	d.logger.Debug("page opened", zap.String("url", s.URL()))
	return s, nil
}
