package notify

import (
	"context"
	"time"

	"github.com/spigell/job-autopilot/internal/domain"
)

type EventType string

const (
	// EventCaptchaPause asks a human to solve a CAPTCHA in the open session.
	EventCaptchaPause EventType = "captcha-pause"
	// EventFieldHandoff asks a human to fill fields the classifier could not map.
	EventFieldHandoff EventType = "field-handoff"
	EventFailed       EventType = "failed"
	// EventReview announces a posting waiting in the review queue.
	EventReview EventType = "review"
	EventApplied EventType = "applied"
)

type Event struct {
	Type        EventType  `json:"type"`
	Key         domain.Key `json:"key"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ResumeToken string     `json:"resume_token,omitempty"`
	At          time.Time  `json:"at"`
}

// Notifier delivers events. Delivery is fire-and-forget: implementations
// log their own failures and never block the pipeline for long.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
