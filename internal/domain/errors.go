package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAvailable is returned by the queue when nothing is pending.
	ErrNotAvailable = errors.New("no posting available")
	ErrNotFound     = errors.New("not found")
	// ErrBudgetExhausted stops a worker once the run budget is spent.
	ErrBudgetExhausted = errors.New("run budget exhausted")
)

// TransientNetworkError is retried with backoff by the navigator.
type TransientNetworkError struct {
	URL string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error loading %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// UnrecognizedFieldError is raised for required fields the classifier
// cannot map. It hands the posting to a human.
type UnrecognizedFieldError struct {
	Fields []string
}

func (e *UnrecognizedFieldError) Error() string {
	return fmt.Sprintf("unrecognized required fields: %v", e.Fields)
}

// CaptchaEncountered pauses automation. It is not a failure.
type CaptchaEncountered struct {
	URL string
}

func (e *CaptchaEncountered) Error() string {
	return fmt.Sprintf("captcha encountered at %s", e.URL)
}

// DuplicateRecordError guards the one-record-per-posting invariant.
type DuplicateRecordError struct {
	Key      Key
	Existing Status
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("submission record for %s already exists with status %s", e.Key, e.Existing)
}

// FatalFormError is an unexpected structural change mid-fill.
type FatalFormError struct {
	Step int
	Err  error
}

func (e *FatalFormError) Error() string {
	return fmt.Sprintf("fatal form error at step %d: %v", e.Step, e.Err)
}

func (e *FatalFormError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// IsDuplicate reports whether err is a DuplicateRecordError.
func IsDuplicate(err error) bool {
	var d *DuplicateRecordError
	return errors.As(err, &d)
}
