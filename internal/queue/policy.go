package queue

import "github.com/spigell/job-autopilot/internal/domain"

// Order selects how pending postings are ranked.
type Order int

const (
	// OrderByScore ranks by fit score (minus demotion penalty) descending,
	// then company weight descending, then discovery time ascending.
	OrderByScore Order = iota
	// OrderByDiscovery ranks oldest first, ignoring scores.
	OrderByDiscovery
)

// Policy restricts and orders DequeueNext.
type Policy struct {
	// Companies limits the checkout to these companies. Empty means all.
	Companies []string
	// IncludeExhausted also considers companies marked exhausted.
	IncludeExhausted bool
	// Exclude skips postings a session already handed back during this run.
	Exclude []domain.Key
	Order   Order
}

func (p Policy) orderBy() []string {
	// Resumed postings go first so a human who solved a CAPTCHA is not kept waiting.
	clauses := []string{"q.resumable DESC"}

	switch p.Order {
	case OrderByDiscovery:
		clauses = append(clauses, "p.discovered_at ASC")
	default:
		clauses = append(clauses,
			"(COALESCE(q.score, -1) - q.penalty) DESC",
			"COALESCE(c.weight, 0) DESC",
			"p.discovered_at ASC",
		)
	}

	return append(clauses, "q.company_id ASC", "q.posting_id ASC")
}
