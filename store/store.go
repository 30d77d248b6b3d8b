// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store persists incidents and their append-only event log in
// Postgres, and provides the session-scoped advisory locks that give
// each alert fingerprint at most one running workflow.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	agerr "agentic-sre/errors"
	"agentic-sre/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPoolSaturated marks a failed connection acquisition under load;
// the API maps it to 503 so Alertmanager retries the delivery.
var ErrPoolSaturated = errors.New("connection_pool_saturated")

// Store wraps the Postgres pool.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(ctx context.Context, url string, maxConns int, timeout time.Duration) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, agerr.DatabaseError("open", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	logger.Info("database connected max_conns=%d", maxConns)
	return &Store{db: db, timeout: timeout}, nil
}

// NewWithDB wraps an existing sqlx handle, used by tests.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return agerr.DatabaseError("migrate", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return agerr.DatabaseError("migrate", err)
	}
	logger.Info("database migrations applied")
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return agerr.DatabaseError("ping", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// LockKey derives the advisory lock key for a fingerprint.
func LockKey(fingerprint string) int64 {
	return int64(xxhash.Sum64String(fingerprint))
}

// Session pins one pooled connection. Postgres advisory locks are
// session-scoped, so TryLock and Unlock must run on the same
// connection; releasing the session drops any lock still held.
type Session struct {
	conn *sqlx.Conn
}

// AcquireSession checks a connection out of the pool. A saturation
// timeout surfaces as ErrPoolSaturated.
func (s *Store) AcquireSession(ctx context.Context) (*Session, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, poolError("acquireSession", err)
	}
	return &Session{conn: conn}, nil
}

// poolError classifies a timed-out wait for a pooled connection as
// saturation so the API answers 503 and Alertmanager redelivers.
func poolError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return agerr.DatabaseError(op, fmt.Errorf("%w: %v", ErrPoolSaturated, err))
	}
	return agerr.DatabaseError(op, err)
}

// TryLock attempts the advisory lock without blocking.
func (s *Session) TryLock(ctx context.Context, key int64) (bool, error) {
	var locked bool
	if err := s.conn.GetContext(ctx, &locked, "select pg_try_advisory_lock($1)", key); err != nil {
		return false, agerr.DatabaseError("tryLock", err)
	}
	return locked, nil
}

// Unlock releases the advisory lock on this session.
func (s *Session) Unlock(ctx context.Context, key int64) error {
	var released bool
	if err := s.conn.GetContext(ctx, &released, "select pg_advisory_unlock($1)", key); err != nil {
		return agerr.DatabaseError("unlock", err)
	}
	if !released {
		logger.Warn("advisory unlock released nothing key=%d", key)
	}
	return nil
}

// Release returns the connection to the pool.
func (s *Session) Release() error {
	return s.conn.Close()
}
