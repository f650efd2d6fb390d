package crawler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// RandomPacer draws a uniform delay in [Min, Max].
type RandomPacer struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPacer builds a pacer; max below min is clamped to min.
func NewRandomPacer(minDelay, maxDelay time.Duration) *RandomPacer {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	now := uint64(time.Now().UnixNano())
	return &RandomPacer{
		min: minDelay,
		max: maxDelay,
		rng: rand.New(rand.NewPCG(now, now>>1|1)),
	}
}

// Delay returns the next pacing delay.
func (p *RandomPacer) Delay() time.Duration {
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	n := p.rng.Int64N(int64(span) + 1)
	p.mu.Unlock()
	return p.min + time.Duration(n)
}

// String reports the configured range.
func (p *RandomPacer) String() string {
	return fmt.Sprintf("%s..%s", p.min, p.max)
}

// ZeroPacer never delays. Tests use it to run without wall-clock waits.
type ZeroPacer struct{}

// Delay implements Pacer.
func (ZeroPacer) Delay() time.Duration { return 0 }

// TimerSleeper sleeps on a timer and wakes early when ctx is done.
type TimerSleeper struct{}

// Sleep implements Sleeper.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// pace sleeps for one pacer draw.
func pace(ctx context.Context, sleeper Sleeper, pacer Pacer) error {
	if pacer == nil {
		return ctx.Err()
	}
	return sleeper.Sleep(ctx, pacer.Delay())
}

// visitTracker provides thread-safe product id tracking to prevent duplicate work.
type visitTracker interface {
	MarkIfNew(id string) bool
}

type concurrentVisitTracker struct {
	seen sync.Map
}

func newConcurrentVisitTracker() *concurrentVisitTracker {
	return &concurrentVisitTracker{}
}

// MarkIfNew stores the id if it has not been seen before and returns true.
func (t *concurrentVisitTracker) MarkIfNew(id string) bool {
	if id == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(id, struct{}{})
	return !loaded
}
