package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyDefinition is the serializable policy configuration.
type PolicyDefinition struct {
	MaxAttempts       *int    `yaml:"maxAttempts"`
	MaxDurationMs     int     `yaml:"maxDurationMs"`
	IntervalMs        int     `yaml:"intervalMs"`
	BackoffFactor     float64 `yaml:"backoffFactor"`
	MaxIntervalMs     int     `yaml:"maxIntervalMs"`
	JitterPercent     float64 `yaml:"jitterPercent"`
	RetryAuthFailures bool    `yaml:"retryAuthFailures"`
}

// ValidationError names the policy field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParsePolicy parses and validates a policy from YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var def PolicyDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	return def.ToPolicy(), nil
}

// ValidateDefinition validates a policy definition.
func ValidateDefinition(def PolicyDefinition) error {
	if def.MaxAttempts != nil {
		if *def.MaxAttempts < Unlimited {
			return ValidationError{Field: "maxAttempts", Message: "must be -1, 0, or positive"}
		}
		if *def.MaxAttempts > 100 {
			return ValidationError{Field: "maxAttempts", Message: "must not exceed 100"}
		}
	}

	if def.MaxDurationMs < 0 {
		return ValidationError{Field: "maxDurationMs", Message: "must not be negative"}
	}

	if def.IntervalMs < 0 {
		return ValidationError{Field: "intervalMs", Message: "must not be negative"}
	}
	if def.IntervalMs > 300000 {
		return ValidationError{Field: "intervalMs", Message: "must not exceed 300000ms"}
	}

	if def.BackoffFactor != 0 && def.BackoffFactor < 1.0 {
		return ValidationError{Field: "backoffFactor", Message: "must be at least 1.0"}
	}
	if def.BackoffFactor > 5.0 {
		return ValidationError{Field: "backoffFactor", Message: "must not exceed 5.0"}
	}

	if def.MaxIntervalMs < 0 {
		return ValidationError{Field: "maxIntervalMs", Message: "must not be negative"}
	}
	if def.MaxIntervalMs != 0 && def.MaxIntervalMs < def.IntervalMs {
		return ValidationError{Field: "maxIntervalMs", Message: "must not be less than intervalMs"}
	}

	if def.JitterPercent < 0 {
		return ValidationError{Field: "jitterPercent", Message: "must not be negative"}
	}
	if def.JitterPercent > 0.5 {
		return ValidationError{Field: "jitterPercent", Message: "must not exceed 0.5"}
	}

	return nil
}

// ToPolicy converts a validated definition to a Policy.
func (def PolicyDefinition) ToPolicy() *Policy {
	opts := []PolicyOption{
		WithMaxDuration(time.Duration(def.MaxDurationMs) * time.Millisecond),
		WithInterval(time.Duration(def.IntervalMs) * time.Millisecond),
		WithJitter(def.JitterPercent),
	}
	if def.MaxAttempts != nil {
		opts = append(opts, WithMaxAttempts(*def.MaxAttempts))
	}
	if def.BackoffFactor >= 1 {
		opts = append(opts, WithBackoff(def.BackoffFactor, time.Duration(def.MaxIntervalMs)*time.Millisecond))
	}
	if def.RetryAuthFailures {
		opts = append(opts, WithRetryAuthFailures())
	}
	return NewPolicy(opts...)
}

// ToDefinition converts a Policy to its serializable form.
func ToDefinition(p *Policy) PolicyDefinition {
	attempts := p.MaxAttempts()
	return PolicyDefinition{
		MaxAttempts:       &attempts,
		MaxDurationMs:     int(p.MaxDuration() / time.Millisecond),
		IntervalMs:        int(p.Interval() / time.Millisecond),
		BackoffFactor:     p.BackoffFactor(),
		MaxIntervalMs:     int(p.MaxInterval() / time.Millisecond),
		JitterPercent:     p.JitterPercent(),
		RetryAuthFailures: p.RetryAuthFailures(),
	}
}
