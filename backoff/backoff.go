// Package backoff holds the retry delays shared by the store and the service.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Jittered returns base * 2^attempt capped at max, with up to 50% jitter.
func Jittered(attempt int, base time.Duration, max time.Duration) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	return d/2 + rand.N(d/2+1)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
