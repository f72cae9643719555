package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/domain"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/profile"
)

const defaultTopK = 3

// Rule adds Weight to the score when any of the needles occurs in the
// posting text. Negative weights act as penalties.
type Rule struct {
	Tag    string   `mapstructure:"tag"`
	Any    []string `mapstructure:"any"`
	Weight float64  `mapstructure:"weight"`
}

// Semantic scores by term-frequency cosine similarity between the posting
// and the closest profile chunks, then applies keyword rules.
type Semantic struct {
	topK   int
	rules  []Rule
	logger *zap.Logger
}

func NewSemantic(topK int, rules []Rule, log *zap.Logger) *Semantic {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Semantic{
		topK:   topK,
		rules:  rules,
		logger: logger.WithFields(log, zap.String("scorer", "semantic")),
	}
}

func (s *Semantic) Score(_ context.Context, p domain.Posting, snap profile.Snapshot) (domain.FitResult, error) {
	text := p.Text()
	if text == "" {
		return domain.FitResult{}, fmt.Errorf("score %s: posting has no text", p.Key)
	}

	posting := termFrequencies(text)
	sims := make([]float64, 0, len(snap.Chunks))
	for _, c := range snap.Chunks {
		sims = append(sims, cosine(posting, termFrequencies(c)))
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))

	k := min(s.topK, len(sims))
	var sum float64
	for _, v := range sims[:k] {
		sum += v
	}
	similarity := 0.0
	if k > 0 {
		similarity = sum / float64(k)
	}

	score := similarity * MaxScore
	lower := strings.ToLower(text)
	var tags []string
	for _, r := range s.rules {
		for _, needle := range r.Any {
			if n := strings.ToLower(strings.TrimSpace(needle)); n != "" && strings.Contains(lower, n) {
				score += r.Weight
				if r.Tag != "" {
					tags = append(tags, r.Tag)
				}
				break
			}
		}
	}

	// two decimals keep the stored score stable across platforms
	score = math.Round(score*100) / 100

	reason := fmt.Sprintf("similarity %.2f", similarity)
	if len(tags) > 0 {
		reason += "; rules: " + strings.Join(tags, ", ")
	}

	res := Result(p, snap, score, reason)
	s.logger.Debug("posting scored",
		append(logger.PostingFields(p.CompanyID, p.PostingID),
			zap.Float64("score", res.Score),
			zap.String("bucket", string(res.Bucket)),
			zap.Float64("similarity", similarity),
		)...,
	)
	return res, nil
}

var stopwords = map[string]bool{
	"and": true, "the": true, "for": true, "with": true, "you": true, "our": true,
	"are": true, "will": true, "to": true, "of": true, "in": true, "a": true,
	"an": true, "on": true, "or": true, "is": true, "be": true, "we": true,
	"as": true, "at": true, "by": true, "this": true, "that": true, "it": true,
}

func termFrequencies(text string) map[string]float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	})
	tf := make(map[string]float64, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 || stopwords[w] {
			continue
		}
		tf[w]++
	}
	return tf
}

// cosine sums in sorted key order so the result does not depend on map
// iteration order.
func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for _, k := range sortedKeys(a) {
		va := a[k]
		na += va * va
		dot += va * b[k]
	}
	for _, k := range sortedKeys(b) {
		nb += b[k] * b[k]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
