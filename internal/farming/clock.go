package farming

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock is the time source of a pass. Tests replace it to avoid real waiting.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// sleep waits d on clock unless ctx ends first.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// JitterFunc stretches a base duration to model service-side jitter.
type JitterFunc func(base time.Duration) time.Duration

// defaultJitter returns a uniform duration in [base, base*1.25].
func defaultJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + rand.N(base/4+1)
}
