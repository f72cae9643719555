package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/ledger"
	"github.com/spigell/job-autopilot/internal/navigator"
	"github.com/spigell/job-autopilot/internal/notify"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/queue"
	"github.com/spigell/job-autopilot/internal/scoring"
	"github.com/spigell/job-autopilot/internal/store"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubScorer map[string]float64

func (s stubScorer) Score(_ context.Context, p domain.Posting, snap profile.Snapshot) (domain.FitResult, error) {
	score, ok := s[p.PostingID]
	if !ok {
		return domain.FitResult{}, errors.New("no score")
	}
	return scoring.Result(p, snap, score, "stub"), nil
}

type stubProfile struct{}

func (stubProfile) Snapshot() profile.Snapshot { return profile.Snapshot{Version: "v1"} }

type stubNav struct {
	mu       sync.Mutex
	results  map[string]navigator.Result
	applied  []domain.Key
	resumed  []domain.ResumeState
	active   map[string]int
	overlap  bool
	onApply  func()
}

func (n *stubNav) result(p domain.Posting) navigator.Result {
	n.mu.Lock()
	n.active[p.CompanyID]++
	if n.active[p.CompanyID] > 1 {
		n.overlap = true
	}
	n.mu.Unlock()

	time.Sleep(time.Millisecond)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.active[p.CompanyID]--
	if r, ok := n.results[p.PostingID]; ok {
		return r
	}
	return navigator.Result{Outcome: domain.OutcomeSuccess}
}

func (n *stubNav) Apply(_ context.Context, p domain.Posting) navigator.Result {
	n.mu.Lock()
	n.applied = append(n.applied, p.Key)
	hook := n.onApply
	n.mu.Unlock()
	if hook != nil {
		hook()
	}
	return n.result(p)
}

func (n *stubNav) Resume(_ context.Context, p domain.Posting, rs domain.ResumeState) navigator.Result {
	n.mu.Lock()
	n.resumed = append(n.resumed, rs)
	n.mu.Unlock()
	return navigator.Result{Outcome: domain.OutcomeSuccess}
}

func (n *stubNav) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applied) + len(n.resumed)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	q      *queue.Queue
	l      *ledger.Ledger
	nav    *stubNav
	events *recorder
	scores stubScorer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{
		q:      queue.New(s.DB, zap.NewNop()),
		l:      ledger.New(s.DB, zap.NewNop()),
		nav:    &stubNav{results: map[string]navigator.Result{}, active: map[string]int{}},
		events: &recorder{},
		scores: stubScorer{},
	}
}

func (f *fixture) add(t *testing.T, company, id string, score float64, minutes int) domain.Key {
	t.Helper()
	p := domain.Posting{
		Key:          domain.Key{CompanyID: company, PostingID: id},
		Title:        "Engineer " + id,
		URL:          "https://jobs.example.com/" + company + "/" + id,
		DiscoveredAt: base.Add(time.Duration(minutes) * time.Minute),
	}
	added, err := f.q.Enqueue(context.Background(), p)
	require.NoError(t, err)
	require.True(t, added)
	f.scores[id] = score
	return p.Key
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	return New(f.q, f.l, f.scores, stubProfile{}, f.nav, f.events, cfg, zap.NewNop())
}

func (f *fixture) status(t *testing.T, k domain.Key) domain.Status {
	t.Helper()
	rec, err := f.l.Lookup(context.Background(), k)
	require.NoError(t, err)
	return rec.Status
}

func TestRunRoutesPostingsByBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.add(t, "acme", "A", 7, 0)
	b := f.add(t, "acme", "B", 4, 1)
	c := f.add(t, "acme", "C", 1, 2)

	summary, err := f.orchestrator(Config{}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{Applied: 1, Ambiguous: 1, Skipped: 1}, summary)

	require.Equal(t, domain.StatusApplied, f.status(t, a))
	require.Equal(t, domain.StatusAmbiguousPending, f.status(t, b))
	require.Equal(t, domain.StatusSkipped, f.status(t, c))
	require.Equal(t, []domain.Key{a}, f.nav.applied)
	require.ElementsMatch(t, []notify.EventType{notify.EventApplied, notify.EventReview}, f.events.types())

	counts, err := f.l.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts[domain.StatusApplied]+counts[domain.StatusAmbiguousPending]+counts[domain.StatusSkipped])

	exhausted, err := f.q.IsCompanyExhausted(ctx, "acme")
	require.NoError(t, err)
	require.True(t, exhausted)
}

func TestRepeatedRunsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.add(t, "acme", "A", 7, 0)
	f.add(t, "acme", "C", 1, 1)

	o := f.orchestrator(Config{})
	_, err := o.Run(ctx)
	require.NoError(t, err)

	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{}, summary)
	require.Equal(t, 1, f.nav.calls())

	// The discovery feed delivers at least once.
	again, err := f.q.Enqueue(ctx, domain.Posting{Key: a, URL: "https://jobs.example.com/acme/A"})
	require.NoError(t, err)
	require.False(t, again)

	summary, err = o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{}, summary)
	require.Equal(t, 1, f.nav.calls())
}

func TestBudgetCapsSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "acme", "A1", 9, 0)
	f.add(t, "globex", "G1", 8, 1)
	f.add(t, "initech", "I1", 7, 2)

	summary, err := f.orchestrator(Config{Budget: 2}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Applied)
	require.Equal(t, 2, f.nav.calls())

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats["pending"])
}

func TestBudgetSpansRepeatedRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "acme", "A1", 9, 0)
	f.add(t, "globex", "G1", 8, 1)

	o := f.orchestrator(Config{Budget: 1})
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Applied)

	// An interactive run calls Run again after the user resumes postings.
	summary, err = o.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Applied)
	require.Equal(t, 1, f.nav.calls())

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats["pending"])
}

func TestPerCompanyCapLeavesRestForLaterRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "acme", "A1", 9, 0)
	f.add(t, "acme", "A2", 8, 1)
	f.add(t, "acme", "A3", 7, 2)

	o := f.orchestrator(Config{PerCompany: 2})
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Applied)

	exhausted, err := f.q.IsCompanyExhausted(ctx, "acme")
	require.NoError(t, err)
	require.False(t, exhausted)

	summary, err = o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Applied)
}

func TestCaptchaPauseKeepsPostingInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.add(t, "acme", "A", 7, 0)

	rs := domain.ResumeState{Token: "tok-1", Step: 2, PageURL: "https://jobs.example.com/acme/A/step2", Reason: "captcha"}
	f.nav.results["A"] = navigator.Result{
		Outcome: domain.OutcomeCaptchaPaused,
		Pause:   &rs,
		Err:     &domain.CaptchaEncountered{URL: rs.PageURL},
	}

	o := f.orchestrator(Config{})
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{Paused: 1}, summary)

	_, err = f.l.Lookup(ctx, k)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, []notify.EventType{notify.EventCaptchaPause}, f.events.types())
	require.Equal(t, "tok-1", f.events.events[0].ResumeToken)

	// Nothing happens until a human signals resume.
	summary, err = o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{}, summary)
	require.Equal(t, 1, f.nav.calls())

	require.NoError(t, o.Resume(ctx, k))
	summary, err = o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{Applied: 1}, summary)
	require.Len(t, f.nav.resumed, 1)
	require.Equal(t, 2, f.nav.resumed[0].Step)
	require.Equal(t, domain.StatusApplied, f.status(t, k))
}

func TestUnrecognizedFieldNotifiesHandoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "acme", "A", 7, 0)

	rs := domain.ResumeState{Token: "tok-2", Step: 0}
	f.nav.results["A"] = navigator.Result{
		Outcome: domain.OutcomeCaptchaPaused,
		Pause:   &rs,
		Err:     &domain.UnrecognizedFieldError{Fields: []string{"visa status"}},
	}

	_, err := f.orchestrator(Config{}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []notify.EventType{notify.EventFieldHandoff}, f.events.types())
}

func TestFailureDemotesAndRunContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	broken := f.add(t, "acme", "broken", 9, 0)
	fine := f.add(t, "acme", "fine", 7, 1)
	f.nav.results["broken"] = navigator.Result{
		Outcome: domain.OutcomeFailed,
		Err:     &domain.FatalFormError{Step: 1, Err: errors.New("form vanished")},
	}

	summary, err := f.orchestrator(Config{}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{Applied: 1, Failed: 1}, summary)
	require.Equal(t, []domain.Key{broken, fine}, f.nav.applied)
	require.Equal(t, domain.StatusApplied, f.status(t, fine))

	_, err = f.l.Lookup(ctx, broken)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Contains(t, f.events.types(), notify.EventFailed)

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats["pending"])
}

func TestCancellationIsHonouredBetweenPostings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	first := f.add(t, "acme", "A1", 9, 0)
	f.add(t, "acme", "A2", 8, 1)
	f.nav.onApply = cancel

	summary, err := f.orchestrator(Config{}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{Applied: 1}, summary)
	require.Equal(t, domain.StatusApplied, f.status(t, first))

	stats, err := f.q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats["pending"])
	require.Zero(t, stats["checked_out"])
}

func TestCancelledStartKeepsPostingAndBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	first := f.add(t, "acme", "A1", 9, 0)
	f.add(t, "acme", "A2", 8, 1)
	f.nav.onApply = cancel
	f.nav.results["A1"] = navigator.Result{
		Outcome:   domain.OutcomeAbandoned,
		Err:       context.Canceled,
		Cancelled: true,
	}

	o := f.orchestrator(Config{Budget: 1})
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{}, summary)
	require.Empty(t, f.events.types())
	require.EqualValues(t, 1, o.budget.remaining())

	_, err = f.l.Lookup(context.Background(), first)
	require.ErrorIs(t, err, domain.ErrNotFound)

	stats, err := f.q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats["pending"])
	require.Zero(t, stats["checked_out"])
}

type recordingScorer struct {
	stubScorer
	before func(p domain.Posting)
}

func (s recordingScorer) Score(ctx context.Context, p domain.Posting, snap profile.Snapshot) (domain.FitResult, error) {
	s.before(p)
	return s.stubScorer.Score(ctx, p, snap)
}

func TestPostingAppliedMeanwhileIsNotSubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.add(t, "acme", "A", 9, 0)

	// The first score primes the queue. By the second one the posting is
	// checked out, and another process records the application.
	scored := 0
	scorer := recordingScorer{stubScorer: f.scores, before: func(p domain.Posting) {
		scored++
		if scored == 2 {
			require.NoError(t, f.l.Record(ctx, domain.SubmissionRecord{Key: p.Key, Status: domain.StatusApplied}))
		}
	}}
	o := New(f.q, f.l, scorer, stubProfile{}, f.nav, f.events, Config{}, zap.NewNop())

	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{}, summary)
	require.Zero(t, f.nav.calls())
	require.Equal(t, 2, scored)
	require.Equal(t, domain.StatusApplied, f.status(t, k))

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats["pending"])
	require.Zero(t, stats["checked_out"])
}

func TestApprovedReviewIsApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.add(t, "acme", "B", 4, 0)

	o := f.orchestrator(Config{})
	_, err := o.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, f.nav.calls())

	require.NoError(t, f.q.ApproveReview(ctx, k))
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Summary{Applied: 1}, summary)
	require.Equal(t, domain.StatusApplied, f.status(t, k))
}

func TestSessionsNeverShareACompany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, company := range []string{"acme", "globex", "initech"} {
		f.add(t, company, company+"-1", 9, i)
		f.add(t, company, company+"-2", 8, i+3)
	}

	summary, err := f.orchestrator(Config{Sessions: 3}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, summary.Applied)
	require.False(t, f.nav.overlap, "two sessions worked on one company at once")
}

func TestPartition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		companies []string
		n         int
		want      [][]string
	}{
		{name: "fewer companies than sessions", companies: []string{"a", "b"}, n: 4, want: [][]string{{"a"}, {"b"}}},
		{name: "round robin", companies: []string{"a", "b", "c", "d", "e"}, n: 2, want: [][]string{{"a", "c", "e"}, {"b", "d"}}},
		{name: "single session", companies: []string{"a", "b"}, n: 1, want: [][]string{{"a", "b"}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, partition(tc.companies, tc.n))
		})
	}
}

func TestBudget(t *testing.T) {
	t.Parallel()

	unlimited := newBudget(0)
	for range 100 {
		require.True(t, unlimited.take())
	}

	b := newBudget(2)
	require.True(t, b.take())
	require.True(t, b.take())
	require.False(t, b.take())
}
