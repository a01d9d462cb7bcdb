package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// jitterFraction is the largest share of a delay added as jitter.
const jitterFraction = 0.25

// Config controls retry backoff.
type Config struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     bool          `yaml:"jitter"`
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Validate checks that the policy is usable.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay (%s) must not be below base_delay (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %g", c.Multiplier)
	}
	return nil
}

// Backoff is the delay before retry number attempt (0-based) without
// jitter: BaseDelay·Multiplier^attempt, capped at MaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Delay is Backoff widened by up to 25% random jitter when enabled.
func (c Config) Delay(attempt int) time.Duration {
	d := c.Backoff(attempt)
	if !c.Jitter || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*jitterFraction*float64(d))
}
