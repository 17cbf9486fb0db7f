// Package pacing spaces upstream requests and implements the explicit
// back-off sleeps of the sync engine.
package pacing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/santarrsgrotto/readarr-server/internal/metrics"
)

// Waiter blocks until the next request may be sent.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Sleeper pauses for a fixed duration unless ctx ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Gate lets one request through per interval. The first request passes
// immediately.
type Gate struct {
	name    string
	limiter *rate.Limiter
}

// NewGate builds a gate; a non-positive interval disables pacing.
func NewGate(name string, interval time.Duration) *Gate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Gate{name: name, limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the gate opens, respecting ctx.
func (g *Gate) Wait(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait %s: %w", g.name, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(g.name, waited)
	}
	return nil
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep returns ctx.Err() when ctx ends before d elapses.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
