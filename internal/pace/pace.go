// Package pace holds the randomized pauses used to keep crawl traffic from
// looking machine-regular.
package pace

import (
	"context"
	"math/rand/v2"
	"time"
)

// Window is an inclusive range of pause durations.
type Window struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Pick returns a uniformly random duration inside the window. A window with
// Max <= Min returns Min.
func (w Window) Pick() time.Duration {
	if w.Max <= w.Min {
		return max(w.Min, 0)
	}
	return w.Min + rand.N(w.Max-w.Min+1)
}

// Sleeper pauses the calling goroutine.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// TimerSleeper waits on a timer. Only ctx cuts a pause short; the crawl
// cancellation token is polled between pauses, so a stop request can take up
// to one full pause to be noticed.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Shuffle randomizes order in place.
func Shuffle[T any](s []T) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// PickN returns up to n distinct random elements of s.
func PickN[T any](s []T, n int) []T {
	if n <= 0 || len(s) == 0 {
		return nil
	}
	cp := append([]T(nil), s...)
	Shuffle(cp)
	return cp[:min(n, len(cp))]
}
