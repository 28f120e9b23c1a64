package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLeaseMutualExclusion(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLease(rdb, "batch", time.Minute)
	b := NewRedisLease(rdb, "batch", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second holder acquired a held lease")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = b.Acquire(ctx)
	if !ok {
		t.Error("lease not acquirable after release")
	}
}

func TestRedisLeaseReleaseRequiresOwnership(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLease(rdb, "batch", 50*time.Millisecond)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	// Simulate expiry + takeover by another process.
	mr.FastForward(time.Second)
	b := NewRedisLease(rdb, "batch", time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("acquire after expiry failed")
	}

	// The stale holder's release must not free b's lease.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	c := NewRedisLease(rdb, "batch", time.Minute)
	if ok, _ := c.Acquire(ctx); ok {
		t.Error("stale Release freed a lease owned by someone else")
	}
}

func TestLeaseExpiresByTTL(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLease(rdb, "batch", 100*time.Millisecond)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	mr.FastForward(200 * time.Millisecond)

	b := NewRedisLease(rdb, "batch", time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("lease should be acquirable after TTL expiry (crashed holder)")
	}
}
