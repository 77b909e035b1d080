package retryable

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"

	"github.com/stettix/lyra/config"
)

// Stats tracks one retryable invocation against its policy: attempts made,
// wall time elapsed, and the backoff interval for the next wait.
type Stats struct {
	policy   *config.Policy
	start    time.Time
	attempts int
	interval time.Duration
	exceeded bool
}

// NewStats starts accounting for an invocation under policy.
func NewStats(policy *config.Policy) *Stats {
	return &Stats{
		policy:   policy,
		start:    time.Now(),
		interval: policy.Interval(),
	}
}

// Attempts returns the number of attempts recorded so far.
func (s *Stats) Attempts() int {
	return s.attempts
}

// IncrementAttempts records an attempt and grows the backoff interval,
// capped at the policy's max interval.
func (s *Stats) IncrementAttempts() {
	s.attempts++
	if s.attempts == 1 {
		return
	}

	factor := s.policy.BackoffFactor()
	if factor <= 1 {
		return
	}

	next := float64(s.interval) * factor
	if max := s.policy.MaxInterval(); max > 0 && next > float64(max) {
		next = float64(max)
	}
	if next > float64(math.MaxInt64) {
		next = float64(math.MaxInt64)
	}
	s.interval = time.Duration(next)
}

// CurrentInterval returns the backoff interval before jitter.
func (s *Stats) CurrentInterval() time.Duration {
	return s.interval
}

// WaitTime returns the duration to sleep before the next attempt: the
// current interval with jitter applied, clamped to the remaining budget.
func (s *Stats) WaitTime() time.Duration {
	d := float64(s.interval)
	if jitter := s.policy.JitterPercent(); jitter > 0 {
		d += d * jitter * (cryptoRandFloat64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	wait := time.Duration(d)

	if remaining, bounded := s.MaxWaitTime(); bounded && wait > remaining {
		wait = remaining
	}
	return wait
}

// MaxWaitTime returns the remaining duration budget. The boolean is false
// when the policy has no duration bound. A spent budget latches the policy
// as exceeded.
func (s *Stats) MaxWaitTime() (time.Duration, bool) {
	maxDuration := s.policy.MaxDuration()
	if maxDuration <= 0 {
		return 0, false
	}
	remaining := maxDuration - time.Since(s.start)
	if remaining < 0 {
		s.exceeded = true
		return 0, true
	}
	return remaining, true
}

// IsPolicyExceeded reports whether the attempts or duration budget is
// spent. Once true it stays true.
func (s *Stats) IsPolicyExceeded() bool {
	if s.exceeded {
		return true
	}
	if max := s.policy.MaxAttempts(); max >= 0 && s.attempts > max {
		s.exceeded = true
	}
	if max := s.policy.MaxDuration(); max > 0 && time.Since(s.start) >= max {
		s.exceeded = true
	}
	return s.exceeded
}

// cryptoRandFloat64 returns a random float64 in [0, 1].
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:])
	return float64(n) / float64(^uint64(0))
}
