// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/modroll/modroll/modroll/structs"
)

// pgLockNotAvailable is the SQLSTATE reported when lock_timeout fires.
const pgLockNotAvailable = "55P03"

// PostgresLocker implements the lock contract with session-scoped advisory
// locks. Each held lock pins a dedicated connection; the server releases the
// lock if that connection dies, which is the self-expiry property the
// contract requires.
type PostgresLocker struct {
	db     *sql.DB
	logger hclog.Logger
}

// NewPostgresLocker returns a locker over db.
func NewPostgresLocker(db *sql.DB, logger hclog.Logger) *PostgresLocker {
	return &PostgresLocker{db: db, logger: logger.Named("lock.postgres")}
}

// Key derives the 64-bit advisory lock key for a resource name. The full
// hash width keeps collisions between distinct resources negligible.
func Key(resource string) (int64, error) {
	h, err := hashstructure.Hash(resource, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("hashing lock resource: %w", err)
	}
	return int64(h), nil
}

func (l *PostgresLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	key, err := Key(resource)
	if err != nil {
		return nil, err
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening lock connection: %w", err)
	}

	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET lock_timeout = %d", ms)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting lock_timeout: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Close()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, structs.ErrLockTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquiring advisory lock: %w", err)
	}

	l.logger.Trace("acquired advisory lock", "resource", resource, "key", key)
	return &postgresHandle{
		resource: resource,
		key:      key,
		conn:     conn,
		logger:   l.logger,
	}, nil
}

type postgresHandle struct {
	resource string
	key      int64
	conn     *sql.Conn
	logger   hclog.Logger

	once     sync.Once
	mu       sync.Mutex
	released bool
}

func (h *postgresHandle) Release() {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := h.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", h.key); err != nil {
			// The server drops the lock with the connection anyway.
			h.logger.Warn("failed to release advisory lock",
				"resource", h.resource, "error", err)
		}
		h.conn.Close()

		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
	})
}

func (h *postgresHandle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released
}

func (h *postgresHandle) Resource() string { return h.resource }
