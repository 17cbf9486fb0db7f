package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/santarrsgrotto/readarr-server/internal/lock"
)

// DefaultLockName keys the advisory lock guarding sync runs.
const DefaultLockName = "sync-run"

// Session is a single connection; advisory locks belong to the session that
// took them.
type Session interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connector checks out a session and returns the function that gives it back.
type Connector func(ctx context.Context) (Session, func(), error)

// PoolConnector checks sessions out of pool.
func PoolConnector(pool *pgxpool.Pool) Connector {
	return func(ctx context.Context) (Session, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire connection: %w", err)
		}
		return conn, conn.Release, nil
	}
}

// AdvisoryLock implements lock.Lock with pg_try_advisory_lock, holding its
// connection until release.
type AdvisoryLock struct {
	connect Connector
	name    string
}

// NewAdvisoryLock builds a lock keyed by hashtext(name).
func NewAdvisoryLock(connect Connector, name string) (*AdvisoryLock, error) {
	if connect == nil {
		return nil, errors.New("postgres connector is required")
	}
	if name == "" {
		name = DefaultLockName
	}
	return &AdvisoryLock{connect: connect, name: name}, nil
}

// TryAcquire returns lock.ErrLocked when another session holds the lock.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (lock.Release, error) {
	session, done, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	var acquired bool
	if err := session.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", l.name).Scan(&acquired); err != nil {
		done()
		return nil, fmt.Errorf("try advisory lock %s: %w", l.name, err)
	}
	if !acquired {
		done()
		return nil, lock.ErrLocked
	}
	return func(ctx context.Context) error {
		defer done()
		var released bool
		if err := session.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.name).Scan(&released); err != nil {
			return fmt.Errorf("advisory unlock %s: %w", l.name, err)
		}
		if !released {
			return fmt.Errorf("advisory lock %s was not held", l.name)
		}
		return nil
	}, nil
}
