// Package distlock guarantees at-most-one active batch run across processes.
//
// A run must hold the lease before claiming pending rows; a second scheduled
// tick that cannot acquire it exits idle. The Redis backend is preferred
// (cross-host, TTL-based crash recovery); without Redis a PostgreSQL
// advisory lock is used, which releases automatically if the session drops.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a single-holder distributed lock. A Lease value belongs to one
// goroutine; concurrent runs need separate Lease instances.
type Lease interface {
	// Acquire tries to take the lease. Returns false if another holder has it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease back if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is provided,
// otherwise a Postgres advisory lock.
func New(rdb *redis.Client, db *sql.DB, name string, ttl time.Duration) Lease {
	if rdb != nil {
		return NewRedisLease(rdb, name, ttl)
	}
	return NewAdvisoryLease(db, name)
}

// RedisLease implements Lease with SET NX + TTL. A random owner token and a
// Lua compare-and-delete prevent releasing a lease that expired and was
// re-acquired by another process.
type RedisLease struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLease creates a Redis-backed lease.
func NewRedisLease(rdb *redis.Client, name string, ttl time.Duration) *RedisLease {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLease{
		rdb:   rdb,
		key:   "lease:" + name,
		owner: hex.EncodeToString(b),
		ttl:   ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
}

// AdvisoryLease implements Lease with pg_try_advisory_lock. The lock ID is
// derived deterministically from the lease name. Advisory locks are
// session-scoped, so the lease pins one connection from the pool and holds
// it until Release.
type AdvisoryLease struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewAdvisoryLease creates a Postgres-backed lease.
func NewAdvisoryLease(db *sql.DB, name string) *AdvisoryLease {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &AdvisoryLease{db: db, lockID: int64(h.Sum64())}
}

func (l *AdvisoryLease) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok); err != nil {
		conn.Close()
		return false, err
	}
	if !ok {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
