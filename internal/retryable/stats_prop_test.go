package retryable

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stettix/lyra/config"
)

func TestStats_IntervalProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("intervals are monotone non-decreasing and bounded by max", prop.ForAll(
		func(intervalMs int, factor float64, maxIntervalMs int, increments int) bool {
			maxInterval := time.Duration(intervalMs+maxIntervalMs) * time.Millisecond
			policy := config.NewPolicy(
				config.WithInterval(time.Duration(intervalMs)*time.Millisecond),
				config.WithBackoff(factor, maxInterval),
			)
			stats := NewStats(policy)

			previous := stats.CurrentInterval()
			for i := 0; i < increments; i++ {
				stats.IncrementAttempts()
				current := stats.CurrentInterval()
				if current < previous {
					return false
				}
				if current > maxInterval {
					return false
				}
				previous = current
			}
			return true
		},
		gen.IntRange(1, 1000),
		gen.Float64Range(1.0, 5.0),
		gen.IntRange(0, 60000),
		gen.IntRange(1, 50),
	))

	properties.Property("wait time is never negative", prop.ForAll(
		func(intervalMs int, jitter float64, increments int) bool {
			policy := config.NewPolicy(
				config.WithInterval(time.Duration(intervalMs)*time.Millisecond),
				config.WithJitter(jitter),
			)
			stats := NewStats(policy)
			for i := 0; i < increments; i++ {
				stats.IncrementAttempts()
				if stats.WaitTime() < 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 1000),
		gen.Float64Range(0, 0.5),
		gen.IntRange(1, 20),
	))

	properties.Property("attempts budget exceeds exactly past the bound", prop.ForAll(
		func(maxAttempts int) bool {
			policy := config.NewPolicy(config.WithMaxAttempts(maxAttempts))
			stats := NewStats(policy)

			for i := 0; i < maxAttempts; i++ {
				stats.IncrementAttempts()
				if stats.IsPolicyExceeded() {
					return false
				}
			}
			stats.IncrementAttempts()
			return stats.IsPolicyExceeded()
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
