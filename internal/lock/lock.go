// Package lock provides the single-flight guard around sync runs.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lock is held")

// Release gives the lock back.
type Release func(ctx context.Context) error

// Lock is a non-blocking mutual exclusion primitive.
type Lock interface {
	TryAcquire(ctx context.Context) (Release, error)
}

// Mutex is an in-process Lock.
type Mutex struct {
	mu   sync.Mutex
	held bool
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// TryAcquire takes the lock or returns ErrLocked.
func (m *Mutex) TryAcquire(context.Context) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, ErrLocked
	}
	m.held = true
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			m.held = false
			m.mu.Unlock()
		})
		return nil
	}, nil
}
