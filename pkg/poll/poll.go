package poll

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	ErrInvalidBaseDelay = errors.New("poll BaseDelay must be a positive duration")
	ErrInvalidFactor    = errors.New("poll Factor must be greater than or equal to 1.0")
	ErrMaxSteps         = errors.New("poll max steps exceeded")
)

// Config controls the backoff behavior of BackoffWithContext.
type Config struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Factor is the multiplier applied to the delay after each attempt.
	Factor float64
	// MaxDelay caps the per-attempt delay. Zero means no cap.
	MaxDelay time.Duration
	// MaxSteps bounds the number of attempts. Zero means unbounded.
	MaxSteps int
	// JitterFactor randomizes each delay by ±(delay*JitterFactor). Must be
	// within [0.0, 1.0].
	JitterFactor float64
}

// Validate returns an error if the config is not usable.
func (c *Config) Validate() error {
	if c.BaseDelay <= 0 {
		return ErrInvalidBaseDelay
	}
	if c.Factor < 1.0 {
		return ErrInvalidFactor
	}
	if c.JitterFactor < 0.0 || c.JitterFactor > 1.0 {
		return fmt.Errorf("poll JitterFactor must be between 0.0 and 1.0: %f", c.JitterFactor)
	}
	return nil
}

// BackoffWithContext repeatedly invokes op until it reports done, returns an
// error, the context is cancelled, or MaxSteps attempts have been made. A
// (false, nil) return from op schedules another attempt after an
// exponentially growing delay.
func BackoffWithContext(ctx context.Context, config Config, op func(context.Context) (bool, error)) error {
	if err := config.Validate(); err != nil {
		return err
	}

	tries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := op(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		tries++
		if config.MaxSteps > 0 && tries >= config.MaxSteps {
			return ErrMaxSteps
		}

		delay := CalculateBackoffDelay(&config, tries)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CalculateBackoffDelay returns the delay before the given attempt number,
// applying the exponential factor, the MaxDelay cap and optional jitter.
func CalculateBackoffDelay(config *Config, tries int) time.Duration {
	if tries <= 0 {
		return 0
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(config.Factor, float64(tries-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		// random value in [-jitter, +jitter]
		delta := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + delta)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
