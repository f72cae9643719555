package scoring

import (
	"context"
	"math"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/profile"
)

const (
	MinScore = 0
	MaxScore = 10

	rejectBelow = 3.0
	acceptAbove = 5.0
)

// Scorer rates how well a posting fits the profile snapshot.
// Implementations must be deterministic for identical text and snapshot.
type Scorer interface {
	Score(ctx context.Context, p domain.Posting, snap profile.Snapshot) (domain.FitResult, error)
}

// Classify maps a score onto a bucket. Both band edges (3 and 5) resolve to
// ambiguous.
func Classify(score float64) domain.Bucket {
	score = Clamp(score)
	switch {
	case score < rejectBelow:
		return domain.BucketReject
	case score > acceptAbove:
		return domain.BucketAccept
	default:
		return domain.BucketAmbiguous
	}
}

// Clamp limits a score to [0,10]. NaN counts as 0.
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return MinScore
	}
	return math.Max(MinScore, math.Min(MaxScore, score))
}

// Result builds a FitResult with the score clamped and classified.
func Result(p domain.Posting, snap profile.Snapshot, score float64, reason string) domain.FitResult {
	score = Clamp(score)
	return domain.FitResult{
		Key:            p.Key,
		Score:          score,
		Bucket:         Classify(score),
		ProfileVersion: snap.Version,
		Reason:         reason,
	}
}
