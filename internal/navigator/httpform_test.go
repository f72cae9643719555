package navigator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/browser/httpform"
	"github.com/spigell/job-autopilot/internal/domain"
)

// guardedSite asks for contact details, then puts a reCAPTCHA in front of
// the last step and rejects submissions without its token.
type guardedSite struct {
	mu    sync.Mutex
	posts map[string]int
}

func (s *guardedSite) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apply", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><form action="/apply" method="post">
  <label for="fn">Full name</label><input id="fn" name="full_name" required>
  <label>Email <input type="email" name="email" required></label>
  <button type="submit">Next</button>
</form></body></html>`)
	})
	mux.HandleFunc("POST /apply", func(w http.ResponseWriter, _ *http.Request) {
		s.count("/apply")
		fmt.Fprint(w, `<html><body><form action="/apply/2" method="post">
  <label>Email <input type="email" name="email" required></label>
  <div class="g-recaptcha" data-sitekey="site-key"></div>
  <textarea name="g-recaptcha-response" style="display:none"></textarea>
  <button type="submit">Submit application</button>
</form></body></html>`)
	})
	mux.HandleFunc("POST /apply/2", func(w http.ResponseWriter, r *http.Request) {
		s.count("/apply/2")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			_ = r.ParseForm()
		}
		if r.FormValue("g-recaptcha-response") == "" {
			http.Error(w, "captcha required", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `<html><body><h1>Thank you!</h1></body></html>`)
	})
	return mux
}

func (s *guardedSite) count(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[path]++
}

func (s *guardedSite) submitted(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts[path]
}

func TestHeadlessResumeDoesNotResubmitCaptchaPage(t *testing.T) {
	site := &guardedSite{posts: map[string]int{}}
	srv := httptest.NewServer(site.handler())
	t.Cleanup(srv.Close)

	drv := httpform.New(httpform.Options{ScreenshotDir: t.TempDir()}, zap.NewNop())
	log := &memoryLog{}
	nav := New(drv, ada, nil, log, nil, Config{}, zap.NewNop())

	p := posting
	p.URL = srv.URL + "/apply"

	res := nav.Apply(context.Background(), p)
	if res.Outcome != domain.OutcomeCaptchaPaused {
		t.Fatalf("expected pause, got %s (%v)", res.Outcome, res.Err)
	}
	if site.submitted("/apply") != 1 {
		t.Fatalf("expected the first step to be submitted once, got %d", site.submitted("/apply"))
	}

	// Nobody can solve the challenge in a session without a window.
	resumed := nav.Resume(context.Background(), p, *res.Pause)

	if resumed.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed, got %s (%v)", resumed.Outcome, resumed.Err)
	}
	if !errors.Is(resumed.Err, browser.ErrCaptchaUnsolved) {
		t.Fatalf("expected unsolved captcha, got %v", resumed.Err)
	}
	if n := site.submitted("/apply/2"); n != 0 {
		t.Fatalf("the captcha step reached the site %d times", n)
	}
	if nav.Registry().Len() != 0 {
		t.Fatal("expected the paused session to be released")
	}
	if len(log.attempts) != 2 || log.attempts[1].ScreenshotRef == "" {
		t.Fatalf("unexpected attempt log: %+v", log.attempts)
	}
}
