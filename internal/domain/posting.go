package domain

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies a posting. PostingID is only unique within a company.
type Key struct {
	CompanyID string `json:"company_id" mapstructure:"company_id"`
	PostingID string `json:"posting_id" mapstructure:"posting_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CompanyID, k.PostingID)
}

// Valid reports whether both parts of the key are set.
func (k Key) Valid() bool {
	return strings.TrimSpace(k.CompanyID) != "" && strings.TrimSpace(k.PostingID) != ""
}

// Posting is a job listing supplied by discovery. It is immutable once stored.
type Posting struct {
	Key
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	LocationText string    `json:"location_text" mapstructure:"location_text"`
	Description  string    `json:"description"`
	DiscoveredAt time.Time `json:"discovered_at" mapstructure:"discovered_at"`
}

// Text is the content the scorers look at.
func (p *Posting) Text() string {
	return strings.TrimSpace(p.Title + "\n" + p.LocationText + "\n" + p.Description)
}

type Bucket string

const (
	BucketReject    Bucket = "reject"
	BucketAmbiguous Bucket = "ambiguous"
	BucketAccept    Bucket = "accept"
)

// FitResult is produced once per posting per profile version.
type FitResult struct {
	Key            Key
	Score          float64
	Bucket         Bucket
	ProfileVersion string
	Reason         string
	ScoredAt       time.Time
}

type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeCaptchaPaused Outcome = "captchaPaused"
	OutcomeFailed        Outcome = "failed"
	OutcomeAbandoned     Outcome = "abandoned"
)

// Attempt is one run of the form navigator against a posting.
// Rows are append-only.
type Attempt struct {
	ID            string
	Key           Key
	Number        int
	StartedAt     time.Time
	FinishedAt    time.Time
	Outcome       Outcome
	FailureReason string
	ScreenshotRef string
	// StartTries counts page loads made by the Start state.
	StartTries int
	// Blank lists fields left empty because the profile had no value.
	Blank []string
}

type Status string

const (
	StatusApplied          Status = "applied"
	StatusSkipped          Status = "skipped"
	StatusAmbiguousPending Status = "ambiguous-pending"
)

// Terminal reports whether no further automated action follows.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusSkipped
}

// SubmissionRecord is the single ledger row a posting ever gets.
type SubmissionRecord struct {
	Key         Key
	Status      Status
	Reason      string
	FinalizedAt time.Time
}

// Summary is what a run reports to the user.
type Summary struct {
	Applied   int `json:"applied"`
	Skipped   int `json:"skipped"`
	Ambiguous int `json:"ambiguous"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
}

// Add merges o into s.
func (s *Summary) Add(o Summary) {
	s.Applied += o.Applied
	s.Skipped += o.Skipped
	s.Ambiguous += o.Ambiguous
	s.Failed += o.Failed
	s.Paused += o.Paused
}

// ResumeState is what a CAPTCHA or unrecognized-field pause keeps so the
// posting continues where it stopped instead of starting over.
type ResumeState struct {
	Token    string    `cbor:"1,keyasint"`
	Step     int       `cbor:"2,keyasint"`
	PageURL  string    `cbor:"3,keyasint"`
	Reason   string    `cbor:"4,keyasint"`
	PausedAt time.Time `cbor:"5,keyasint"`
	// Filled lists the fields already written before the pause.
	Filled []string `cbor:"6,keyasint,omitempty"`
}

// Credentials is per-company login material. It is never persisted by the
// pipeline.
type Credentials struct {
	Username string
	Password string
}
