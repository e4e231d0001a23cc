package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"

	"ctf-scoreboard/ports"
)

// lockClass namespaces our advisory locks from other users of the database.
const lockClass = 0x43544653

// AdvisoryLocker is a ports.Locker that holds a Postgres session advisory
// lock per key, so every server and CLI process on one database serializes
// the same challenge. Waiters in this process queue on a local lock first
// and do not each pin a pooled connection.
type AdvisoryLocker struct {
	db     *sql.DB
	local  *ports.KeyedMutex
	logger *slog.Logger
}

func NewAdvisoryLocker(db *sql.DB, logger *slog.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLocker{
		db:     db,
		local:  ports.NewKeyedMutex(),
		logger: logger.With("component", "locker"),
	}
}

func (a *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := a.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("acquire connection for lock %s: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockClass, key); err != nil {
		discard(conn)
		unlockLocal()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer unlockLocal()
			var released bool
			err := conn.QueryRowContext(context.Background(),
				`SELECT pg_advisory_unlock($1, hashtext($2))`, lockClass, key).Scan(&released)
			if err != nil || !released {
				// Dropping the session releases whatever it still holds.
				a.logger.Warn("advisory unlock failed, closing connection", "key", key, "error", err)
				discard(conn)
				return
			}
			conn.Close()
		})
	}, nil
}

// discard closes the underlying connection instead of returning it to the pool.
func discard(conn *sql.Conn) {
	conn.Raw(func(any) error { return driver.ErrBadConn })
	conn.Close()
}
