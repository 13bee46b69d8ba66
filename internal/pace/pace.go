// Package pace inserts randomized delays between automation steps so input
// does not arrive at machine-regular intervals.
package pace

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Sleeper sleeps for random durations within a range and keeps totals.
type Sleeper struct {
	Min time.Duration
	Max time.Duration

	mu    sync.Mutex
	stats Stats
	// randN returns a value in [0, n); replaced in tests.
	randN func(n int64) int64
}

// Stats summarizes the sleeps performed so far.
type Stats struct {
	Count    int
	Total    time.Duration
	Shortest time.Duration
	Longest  time.Duration
}

func New(min, max time.Duration) *Sleeper {
	return &Sleeper{Min: min, Max: max, randN: rand.Int63n}
}

// Pick returns a duration in [min, max].
func (s *Sleeper) Pick(min, max time.Duration) (time.Duration, error) {
	if min < 0 || max < 0 {
		return 0, fmt.Errorf("pace: negative duration %s..%s", min, max)
	}
	if min > max {
		return 0, fmt.Errorf("pace: min %s greater than max %s", min, max)
	}
	if min == max {
		return min, nil
	}
	randN := s.randN
	if randN == nil {
		randN = rand.Int63n
	}
	return min + time.Duration(randN(int64(max-min)+1)), nil
}

// Step sleeps for a random duration in the sleeper's default range.
func (s *Sleeper) Step(ctx context.Context) error {
	if s == nil {
		return ctx.Err()
	}
	return s.Between(ctx, s.Min, s.Max)
}

// Between sleeps for a random duration in [min, max] or until ctx is done.
// A nil Sleeper does not sleep.
func (s *Sleeper) Between(ctx context.Context, min, max time.Duration) error {
	if s == nil {
		return ctx.Err()
	}
	d, err := s.Pick(min, max)
	if err != nil {
		return err
	}
	return s.sleep(ctx, d)
}

// Fixed sleeps for d, jittered by up to ±jitter, never less than zero.
func (s *Sleeper) Fixed(ctx context.Context, d, jitter time.Duration) error {
	if s == nil {
		return ctx.Err()
	}
	if jitter > 0 {
		lo := d - jitter
		if lo < 0 {
			lo = 0
		}
		var err error
		d, err = s.Pick(lo, d+jitter)
		if err != nil {
			return err
		}
	}
	return s.sleep(ctx, d)
}

func (s *Sleeper) sleep(ctx context.Context, d time.Duration) error {
	if err := Sleep(ctx, d); err != nil {
		return err
	}
	s.record(d)
	return nil
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Sleeper) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Count++
	s.stats.Total += d
	if s.stats.Count == 1 || d < s.stats.Shortest {
		s.stats.Shortest = d
	}
	if d > s.stats.Longest {
		s.stats.Longest = d
	}
}

func (s *Sleeper) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
