package delivery

import (
	"context"
	"fmt"
	"time"
)

// transferCeiling bounds a file-transfer delivery's total wall clock across
// all attempts, independent of the per-attempt connect timeout. A dead
// destination must not stall the execution that produced the file.
const transferCeiling = 10 * time.Second

// Policy bounds a channel's retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Backoff returns the wait after a failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Ceiling caps total wall clock across attempts and waits. Zero means
	// unbounded.
	Ceiling time.Duration
}

// Run executes fn until it succeeds, attempts are exhausted, the ceiling is
// crossed, or the context is cancelled. It returns the number of the last
// attempt made and, on failure, the terminal error.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Ceiling > 0 {
			if elapsed := time.Since(start); elapsed >= p.Ceiling {
				err := fmt.Errorf("delivery timed out after %.1fs (limit %s)", elapsed.Seconds(), p.Ceiling)
				if lastErr != nil {
					err = fmt.Errorf("%s: %w", err, lastErr)
				}
				return attempt - 1, err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		if attempt < attempts {
			if err := p.wait(ctx, p.Backoff(attempt)); err != nil {
				return attempt, err
			}
		}
	}

	return attempts, lastErr
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MailPolicy builds the mail channel's retry policy. Backoff grows in
// minutes, since transient mail-provider throttling clears slowly.
func MailPolicy(maxRetry, intervalMinutes int) Policy {
	if maxRetry <= 0 {
		maxRetry = 3
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}
	return Policy{
		MaxAttempts: maxRetry,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*intervalMinutes) * time.Minute
		},
	}
}

// TransferPolicy builds the file-transfer retry policy. The interval column
// is read as seconds here, not minutes, and the whole loop sits under the
// transfer ceiling.
func TransferPolicy(maxRetry, intervalSeconds int) Policy {
	if maxRetry <= 0 {
		maxRetry = 3
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 2
	}
	return Policy{
		MaxAttempts: maxRetry,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*intervalSeconds) * time.Second
		},
		Ceiling: transferCeiling,
	}
}
