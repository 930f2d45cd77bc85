package farming

import (
	"context"
	"time"
)

// countdown is the timed event sequence: it re-emits a template one tick apart,
// decorated with the remaining time, until total has elapsed. The first event
// is produced without waiting; every later call first sleeps the tick owed by
// the previous one. A zero total still yields the template once.
type countdown struct {
	template Event
	total    time.Duration
	tick     time.Duration
	elapsed  time.Duration
	emitted  int
}

func newCountdown(template Event, total, tick time.Duration) *countdown {
	if total < 0 {
		total = 0
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &countdown{template: template, total: total, tick: tick}
}

// ticks is the number of events the countdown produces.
func (c *countdown) ticks() int {
	if c.total == 0 {
		return 1
	}
	return int((c.total + c.tick - 1) / c.tick)
}

// next returns the next decorated event. ok is false once the whole duration
// has been waited out; err is set when ctx ended mid-wait.
func (c *countdown) next(ctx context.Context, clock Clock) (ev Event, ok bool, err error) {
	if c.emitted > 0 {
		if c.elapsed >= c.total {
			return Event{}, false, nil
		}
		d := min(c.tick, c.total-c.elapsed)
		if err := sleep(ctx, clock, d); err != nil {
			return Event{}, false, err
		}
		c.elapsed += d
		if c.elapsed >= c.total {
			return Event{}, false, nil
		}
	}

	c.emitted++
	ev = c.template
	ev.Remaining = c.total - c.elapsed
	if c.total > 0 {
		ev.Progress = float64(c.elapsed) / float64(c.total)
	} else {
		ev.Progress = 1
	}
	return ev, true, nil
}
