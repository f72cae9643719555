package ai

import (
	"context"
	"fmt"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/scoring"
)

// FitAssessment is what a model said about a posting. Score is on the 0-10
// fit scale.
type FitAssessment struct {
	Score  float64
	Reason string
	Raw    string
}

type Matcher interface {
	Evaluate(ctx context.Context, snap profile.Snapshot, posting domain.Posting) (*FitAssessment, error)
}

// Scorer exposes a Matcher as a scoring.Scorer. Wrap it in scoring.Cached to
// make results reproducible.
type Scorer struct {
	Matcher Matcher
}

func (s Scorer) Score(ctx context.Context, p domain.Posting, snap profile.Snapshot) (domain.FitResult, error) {
	if s.Matcher == nil {
		return domain.FitResult{}, fmt.Errorf("ai scorer: matcher is not configured")
	}
	a, err := s.Matcher.Evaluate(ctx, snap, p)
	if err != nil {
		return domain.FitResult{}, fmt.Errorf("evaluate %s: %w", p.Key, err)
	}
	return scoring.Result(p, snap, a.Score, a.Reason), nil
}
