package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when the condition never held before the deadline
var ErrPollTimeout = errors.New("condition not met before deadline")

// PollConfig holds configuration for bounded polling
type PollConfig struct {
	Timeout     time.Duration // Overall deadline for the condition to hold
	Interval    time.Duration // Initial delay between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxInterval time.Duration // Maximum delay between attempts
	MaxAttempts int           // Optional attempt cap; 0 means bounded by Timeout only
}

// DefaultPollConfig returns a default polling configuration
func DefaultPollConfig() *PollConfig {
	return &PollConfig{
		Timeout:     30 * time.Second,
		Interval:    250 * time.Millisecond,
		Multiplier:  1.5,
		MaxInterval: 2 * time.Second,
	}
}

// ConditionFunc returns nil once the awaited condition holds
type ConditionFunc func(ctx context.Context) error

// StopPolling wraps an error that must end polling immediately
type StopPolling struct {
	Err error
}

func (e *StopPolling) Error() string {
	return e.Err.Error()
}

func (e *StopPolling) Unwrap() error {
	return e.Err
}

// Poll calls fn with exponential backoff until it returns nil, returns a
// *StopPolling error, the attempt cap is reached, or the timeout elapses.
// The last condition error is wrapped into the returned error.
func Poll(ctx context.Context, fn ConditionFunc, config *PollConfig) error {
	if config == nil {
		config = DefaultPollConfig()
	}

	pollCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	interval := config.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; config.MaxAttempts <= 0 || attempt < config.MaxAttempts; attempt++ {
		err := fn(pollCtx)
		if err == nil {
			return nil
		}

		var stop *StopPolling
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err

		timer := time.NewTimer(interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %d attempts: %v", ErrPollTimeout, attempt+1, lastErr)
		case <-timer.C:
		}

		// Increase interval for next attempt
		if config.Multiplier > 1 {
			interval = time.Duration(float64(interval) * config.Multiplier)
		}
		if config.MaxInterval > 0 && interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrPollTimeout, config.MaxAttempts, lastErr)
}
