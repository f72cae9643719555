package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/ledger"
	"github.com/spigell/job-autopilot/internal/store"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), dir)
	require.NoError(t, err)
	return s
}

func newQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	return New(s.DB, zap.NewNop()), s
}

func posting(company, id string, minutes int) domain.Posting {
	return domain.Posting{
		Key:          domain.Key{CompanyID: company, PostingID: id},
		Title:        "Engineer " + id,
		URL:          "https://jobs.example.com/" + company + "/" + id,
		DiscoveredAt: base.Add(time.Duration(minutes) * time.Minute),
	}
}

func mustEnqueue(t *testing.T, q *Queue, p domain.Posting) {
	t.Helper()
	added, err := q.Enqueue(context.Background(), p)
	require.NoError(t, err)
	require.True(t, added, "expected %s to be added", p.Key)
}

func TestEnqueueRejectsDuplicatesAndRecorded(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)

	mustEnqueue(t, q, posting("acme", "1", 0))

	added, err := q.Enqueue(ctx, posting("acme", "1", 5))
	require.NoError(t, err)
	require.False(t, added)

	l := ledger.New(s.DB, zap.NewNop())
	require.NoError(t, l.Record(ctx, domain.SubmissionRecord{
		Key:    domain.Key{CompanyID: "acme", PostingID: "2"},
		Status: domain.StatusSkipped,
	}))

	added, err = q.Enqueue(ctx, posting("acme", "2", 0))
	require.NoError(t, err)
	require.False(t, added)

	_, err = q.Posting(ctx, domain.Key{CompanyID: "acme", PostingID: "2"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = q.Enqueue(ctx, domain.Posting{Key: domain.Key{CompanyID: "acme"}, URL: "x"})
	require.Error(t, err)
}

func TestDequeueOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	mustEnqueue(t, q, posting("acme", "low", 0))
	mustEnqueue(t, q, posting("acme", "high", 10))
	mustEnqueue(t, q, posting("globex", "tie-late", 20))
	mustEnqueue(t, q, posting("initech", "tie-early", 5))
	mustEnqueue(t, q, posting("hooli", "tie-weighted", 30))

	require.NoError(t, q.SetCompanyWeight(ctx, "hooli", 2))

	scores := map[string]float64{"low": 1, "high": 9, "tie-late": 6, "tie-early": 6, "tie-weighted": 6}
	for _, c := range []string{"acme", "globex", "initech", "hooli"} {
		ps, err := q.Unscored(ctx, []string{c}, "v1")
		require.NoError(t, err)
		for _, p := range ps {
			require.NoError(t, q.SetScore(ctx, p.Key, scores[p.PostingID], "v1"))
		}
	}

	var got []string
	for {
		c, err := q.DequeueNext(ctx, Policy{})
		if errors.Is(err, domain.ErrNotAvailable) {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, c.Score)
		got = append(got, c.Posting.PostingID)
		require.NoError(t, q.Commit(ctx, c))
	}

	require.Equal(t, []string{"high", "tie-weighted", "tie-early", "tie-late", "low"}, got)
}

func TestDiscoveryOrderIgnoresScore(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	mustEnqueue(t, q, posting("acme", "new", 10))
	mustEnqueue(t, q, posting("acme", "old", 0))
	require.NoError(t, q.SetScore(ctx, domain.Key{CompanyID: "acme", PostingID: "new"}, 9, "v1"))

	c, err := q.DequeueNext(ctx, Policy{Order: OrderByDiscovery})
	require.NoError(t, err)
	require.Equal(t, "old", c.Posting.PostingID)
}

func TestCheckoutIsTwoPhase(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "1", 0))

	c, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.NotEmpty(t, c.Token)

	_, err = q.DequeueNext(ctx, Policy{})
	require.ErrorIs(t, err, domain.ErrNotAvailable)

	require.NoError(t, q.Release(ctx, c))
	require.ErrorIs(t, q.Commit(ctx, c), ErrStaleCheckout)

	again, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.Equal(t, c.Posting.Key, again.Posting.Key)
	require.NotEqual(t, c.Token, again.Token)
	require.NoError(t, q.Commit(ctx, again))

	_, err = q.DequeueNext(ctx, Policy{})
	require.ErrorIs(t, err, domain.ErrNotAvailable)
}

func TestCrashRecoveryReturnsCheckedOutPosting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	q := New(s.DB, zap.NewNop())
	mustEnqueue(t, q, posting("acme", "1", 0))

	lost, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	// simulate a crash: the checkout is never committed
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	t.Cleanup(func() { _ = s.Close() })
	q = New(s.DB, zap.NewNop())

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.Equal(t, lost.Posting.Key, c.Posting.Key)

	l := ledger.New(s.DB, zap.NewNop())
	require.NoError(t, l.Record(ctx, domain.SubmissionRecord{Key: c.Posting.Key, Status: domain.StatusApplied}))
	require.NoError(t, q.Commit(ctx, c))

	_, err = q.DequeueNext(ctx, Policy{})
	require.ErrorIs(t, err, domain.ErrNotAvailable)

	rec, err := l.ByCompany(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, rec, 1)
}

func TestPauseKeepsResumeState(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "1", 0))

	c, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.False(t, c.InProgress())

	state := domain.ResumeState{
		Token:    "tok",
		Step:     2,
		PageURL:  "https://jobs.example.com/acme/1/step/2",
		Reason:   "captcha",
		PausedAt: base,
		Filled:   []string{"email", "name"},
	}
	require.NoError(t, q.Pause(ctx, c, state))

	_, err = q.DequeueNext(ctx, Policy{})
	require.ErrorIs(t, err, domain.ErrNotAvailable)

	paused, err := q.Paused(ctx)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	require.Equal(t, "tok", paused[0].Resume.Token)

	err = q.MarkResumable(ctx, domain.Key{CompanyID: "acme", PostingID: "missing"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, q.MarkResumable(ctx, c.Posting.Key))

	resumed, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.True(t, resumed.InProgress())
	require.Equal(t, state.Step, resumed.Resume.Step)
	require.Equal(t, state.PageURL, resumed.Resume.PageURL)
	require.Equal(t, state.Filled, resumed.Resume.Filled)
	require.True(t, state.PausedAt.Equal(resumed.Resume.PausedAt))
}

func TestDemoteLowersPriority(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "broken", 0))
	mustEnqueue(t, q, posting("acme", "fine", 5))
	require.NoError(t, q.SetScore(ctx, domain.Key{CompanyID: "acme", PostingID: "broken"}, 9, "v1"))
	require.NoError(t, q.SetScore(ctx, domain.Key{CompanyID: "acme", PostingID: "fine"}, 7, "v1"))

	c, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.Equal(t, "broken", c.Posting.PostingID)
	require.NoError(t, q.Demote(ctx, c, 5))

	next, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.Equal(t, "fine", next.Posting.PostingID)
}

func TestCompanyExhaustion(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "1", 0))
	mustEnqueue(t, q, posting("globex", "1", 0))

	require.NoError(t, q.MarkCompanyExhausted(ctx, "acme"))
	exhausted, err := q.IsCompanyExhausted(ctx, "acme")
	require.NoError(t, err)
	require.True(t, exhausted)

	companies, err := q.Companies(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []string{"globex"}, companies)

	c, err := q.DequeueNext(ctx, Policy{Companies: []string{"acme"}})
	require.ErrorIs(t, err, domain.ErrNotAvailable)
	require.Nil(t, c)

	c, err = q.DequeueNext(ctx, Policy{Companies: []string{"acme"}, IncludeExhausted: true})
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, c))

	mustEnqueue(t, q, posting("acme", "2", 10))
	exhausted, err = q.IsCompanyExhausted(ctx, "acme")
	require.NoError(t, err)
	require.False(t, exhausted)

	outstanding, err := q.Outstanding(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 2, outstanding)
}

func TestUnscoredTracksProfileVersion(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "1", 0))

	ps, err := q.Unscored(ctx, nil, "v1")
	require.NoError(t, err)
	require.Len(t, ps, 1)

	require.NoError(t, q.SetScore(ctx, ps[0].Key, 4, "v1"))

	ps, err = q.Unscored(ctx, nil, "v1")
	require.NoError(t, err)
	require.Empty(t, ps)

	ps, err = q.Unscored(ctx, nil, "v2")
	require.NoError(t, err)
	require.Len(t, ps, 1)
}

func TestApproveReviewRequeues(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "1", 0))

	c, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Commit(ctx, c))

	require.NoError(t, q.ApproveReview(ctx, c.Posting.Key))

	again, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.True(t, again.ReviewApproved)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[stateCheckedOut])
}

func TestPolicyExcludeSkipsHandedBackPostings(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	mustEnqueue(t, q, posting("acme", "first", 0))
	mustEnqueue(t, q, posting("acme", "second", 5))

	c, err := q.DequeueNext(ctx, Policy{})
	require.NoError(t, err)
	require.Equal(t, "first", c.Posting.PostingID)
	require.NoError(t, q.Release(ctx, c))

	policy := Policy{Exclude: []domain.Key{c.Posting.Key}}
	next, err := q.DequeueNext(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, "second", next.Posting.PostingID)
	require.NoError(t, q.Commit(ctx, next))

	_, err = q.DequeueNext(ctx, policy)
	require.ErrorIs(t, err, domain.ErrNotAvailable)
}
