package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/santarrsgrotto/readarr-server/internal/lock"
)

// ErrRunInProgress is returned when a trigger overlaps a running sync.
var ErrRunInProgress = errors.New("sync run already in progress")

// RunFunc executes one run.
type RunFunc func(ctx context.Context, source string) (Report, error)

// RunnerConfig controls the runner.
type RunnerConfig struct {
	// BaseContext parents asynchronous runs; defaults to context.Background.
	BaseContext context.Context
}

// Runner makes sure only one run executes at a time, both within the process
// and, through the configured lock, across processes.
type Runner struct {
	run    RunFunc
	lock   lock.Lock
	base   context.Context
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewRunner wraps run. lk may be nil for in-process exclusion only.
func NewRunner(run RunFunc, lk lock.Lock, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lk == nil {
		lk = lock.NewMutex()
	}
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Runner{run: run, lock: lk, base: base, logger: logger}
}

// Trigger runs synchronously and returns ErrRunInProgress if a run already holds the lock.
func (r *Runner) Trigger(ctx context.Context, source string) (Report, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	defer r.release(ctx, release)
	return r.run(ctx, source)
}

// TriggerAsync takes the lock and starts a run in the background.
func (r *Runner) TriggerAsync(source string) error {
	release, err := r.acquire(r.base)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(r.base, release)
		if _, err := r.run(r.base, source); err != nil {
			r.logger.Warn("background sync run failed", zap.String("source", source), zap.Error(err))
		}
	}()
	return nil
}

// Running reports whether this process is executing a run.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Wait blocks until background runs return.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) acquire(ctx context.Context) (lock.Release, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()

	release, err := r.lock.TryAcquire(ctx)
	if err != nil {
		r.setIdle()
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return release, nil
}

func (r *Runner) release(ctx context.Context, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("release run lock", zap.Error(err))
	}
	r.setIdle()
}

func (r *Runner) setIdle() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}
