// Package config provides retry and recovery policy configuration for
// wrapped connections and channels.
package config

import "time"

// Unlimited disables the attempts bound on a policy.
const Unlimited = -1

// Policy describes a recurring retry or recovery budget: how many attempts
// may be made, for how long, and how long to wait between them. Policies
// are immutable once built.
type Policy struct {
	maxAttempts       int
	maxDuration       time.Duration
	interval          time.Duration
	backoffFactor     float64
	maxInterval       time.Duration
	jitterPercent     float64
	retryAuthFailures bool
}

// PolicyOption configures a Policy under construction.
type PolicyOption func(*Policy)

// WithMaxAttempts bounds the number of attempts. Zero disables retries
// entirely; Unlimited removes the bound.
func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) { p.maxAttempts = n }
}

// WithMaxDuration bounds the total elapsed time of an invocation.
func WithMaxDuration(d time.Duration) PolicyOption {
	return func(p *Policy) { p.maxDuration = d }
}

// WithInterval sets the initial wait between attempts.
func WithInterval(d time.Duration) PolicyOption {
	return func(p *Policy) { p.interval = d }
}

// WithBackoff grows the wait by factor after each attempt, capped at max.
func WithBackoff(factor float64, max time.Duration) PolicyOption {
	return func(p *Policy) {
		p.backoffFactor = factor
		p.maxInterval = max
	}
}

// WithJitter randomizes each wait by up to percent (0-1) in either
// direction.
func WithJitter(percent float64) PolicyOption {
	return func(p *Policy) { p.jitterPercent = percent }
}

// WithRetryAuthFailures opts authentication failures into the retryable set.
func WithRetryAuthFailures() PolicyOption {
	return func(p *Policy) { p.retryAuthFailures = true }
}

// NewPolicy returns a policy that allows attempts indefinitely with no wait
// between them, modified by the given options.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		maxAttempts:   Unlimited,
		backoffFactor: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AlwaysRetry returns a policy that retries indefinitely with the default
// backoff ladder: 1s initial, doubling, capped at 30s.
func AlwaysRetry() *Policy {
	return NewPolicy(
		WithInterval(time.Second),
		WithBackoff(2.0, 30*time.Second),
	)
}

// NeverRetry returns a policy that allows no attempts.
func NeverRetry() *Policy {
	return NewPolicy(WithMaxAttempts(0))
}

// RetryFor returns a policy that retries for up to d with the default
// backoff ladder.
func RetryFor(d time.Duration) *Policy {
	return NewPolicy(
		WithMaxDuration(d),
		WithInterval(time.Second),
		WithBackoff(2.0, 30*time.Second),
	)
}

// AllowsAttempts reports whether the policy permits any retry attempts. A
// policy with no limits set still allows attempts; only an explicit zero
// attempts bound disables them. Nil-safe.
func (p *Policy) AllowsAttempts() bool {
	return p != nil && p.maxAttempts != 0
}

// MaxAttempts returns the attempts bound, or Unlimited.
func (p *Policy) MaxAttempts() int {
	if p == nil {
		return 0
	}
	return p.maxAttempts
}

// MaxDuration returns the total duration bound; zero means unbounded.
func (p *Policy) MaxDuration() time.Duration {
	if p == nil {
		return 0
	}
	return p.maxDuration
}

// Interval returns the initial wait between attempts.
func (p *Policy) Interval() time.Duration {
	if p == nil {
		return 0
	}
	return p.interval
}

// BackoffFactor returns the interval growth factor, at least 1.
func (p *Policy) BackoffFactor() float64 {
	if p == nil || p.backoffFactor < 1 {
		return 1
	}
	return p.backoffFactor
}

// MaxInterval returns the backoff cap; zero means uncapped.
func (p *Policy) MaxInterval() time.Duration {
	if p == nil {
		return 0
	}
	return p.maxInterval
}

// JitterPercent returns the jitter fraction applied to each wait.
func (p *Policy) JitterPercent() float64 {
	if p == nil {
		return 0
	}
	return p.jitterPercent
}

// RetryAuthFailures reports whether authentication failures are retryable
// under this policy. Defaults to false.
func (p *Policy) RetryAuthFailures() bool {
	return p != nil && p.retryAuthFailures
}
