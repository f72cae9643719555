// Package chrome drives application forms in a real Chrome window over the
// DevTools protocol. Every session is a tab; a paused session stays open on
// screen so the user can solve the challenge in it and resume.
package chrome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
)

const (
	defaultTimeout = 30 * time.Second
	defaultSettle  = 5 * time.Second
)

type Options struct {
	// Headless hides the window. Paused tabs then cannot be finished by hand.
	Headless bool
	// NoSandbox is needed to run Chrome as root, in containers mostly.
	NoSandbox bool
	ExecPath  string
	// UserDataDir keeps cookies and logins between runs.
	UserDataDir string
	UserAgent   string
	// Timeout bounds every single page action.
	Timeout time.Duration
	// Settle is how long a pressed submit control may take to load the next
	// page before the form is read again in place.
	Settle            time.Duration
	RequestsPerSecond float64
	Burst             int
	// ScreenshotDir receives PNG captures of failing pages.
	ScreenshotDir string
}

type Driver struct {
	opts    Options
	limiter *browser.HostLimiter
	logger  *zap.Logger

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	stopped bool
}

var _ browser.Browser = (*Driver)(nil)

func New(opts Options, log *zap.Logger) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	return &Driver{
		opts:    opts,
		limiter: browser.NewHostLimiter(opts.RequestsPerSecond, opts.Burst),
		logger:  logger.WithFields(log, zap.String("browser", "chrome"), zap.Bool("headless", opts.Headless)),
	}
}

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if !d.opts.Headless {
		opts = append(opts,
			chromedp.Flag("headless", false),
			chromedp.Flag("hide-scrollbars", false),
			chromedp.Flag("mute-audio", false),
		)
	}
	if d.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if d.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.opts.ExecPath))
	}
	if d.opts.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(d.opts.UserDataDir))
	}
	if d.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.opts.UserAgent))
	}
	return opts
}

// browserContext starts Chrome on first use. Tabs are created from the
// returned context.
func (d *Driver) browserContext() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, browser.ErrClosed
	}
	if d.parent != nil {
		return d.parent, nil
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))
	// The first Run launches the browser; it must not carry a timeout.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	d.parent = browserCtx
	d.cancel = func() {
		cancelBrowser()
		cancelAlloc()
	}
	d.logger.Info("chrome started")
	return d.parent, nil
}

// Open loads target in a new tab, logging in first when creds are given
// and the page shows a login form.
func (d *Driver) Open(ctx context.Context, target string, creds *domain.Credentials) (browser.Session, error) {
	parent, err := d.browserContext()
	if err != nil {
		return nil, err
	}

	tab, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(tab); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	s := &session{driver: d, tab: tab, cancel: cancel}

	if err := s.navigate(ctx, target); err != nil {
		_ = s.Close()
		return nil, err
	}

	if creds != nil {
		state, err := s.state(ctx)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if state.Login {
			if err := s.login(ctx, creds, target); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
	}

	d.logger.Debug("page opened", zap.String("url", s.URL()))
	return s, nil
}

// Close stops Chrome, closing every tab still open.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.cancel = nil
	d.parent = nil
	return nil
}
