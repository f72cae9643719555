package navigator

import (
	"math"
	"time"
)

// RetryPolicy bounds how often Start reloads a page after transient errors.
type RetryPolicy struct {
	Attempts   int           `mapstructure:"attempts"`
	BaseDelay  time.Duration `mapstructure:"base-delay"`
	Multiplier float64       `mapstructure:"multiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay is the wait after the given zero-based failed try:
// BaseDelay * Multiplier^try.
func (p RetryPolicy) Delay(try int) time.Duration {
	p = p.normalized()
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(try)))
}
