// Package spawnlock is an optional, Redis-backed lock that prevents
// two daemon instances (e.g. across a restart racing a still-shutting-
// down old process) from spawning two session hosts for the same
// channel at once. internal/dispatch.Manager's in-process pending map
// already dedupes concurrent spawns within one daemon; this package
// extends that guarantee across daemon restarts, and is entirely
// optional — with no Redis URL configured, Acquire always succeeds and
// Release is a no-op.
//
// Grounded on internal/redis/redis.go: same graceful-degradation shape
// (IsAvailable() gates every operation, a nil/disconnected client makes
// every call a harmless no-op) and its KeyLock prefix convention,
// generalized from a package-level singleton client to a constructor-
// injected Locker per spec.md §8's "no hidden global state".
package spawnlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyLockPrefix = "relaymux:lock:"

// Locker acquires a short-lived, channel-scoped lock so at most one
// daemon process spawns a session host for a given channel at a time.
type Locker struct {
	client *redis.Client
}

// New builds a Locker. If url is empty, the returned Locker degrades
// to always granting the lock — the same graceful-fallback behavior
// the rest of the corpus's Redis integration uses when Redis is
// unconfigured or unreachable.
func New(url, password string, db int) *Locker {
	if url == "" {
		return &Locker{}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return &Locker{}
	}
	if password != "" {
		opts.Password = password
	}
	opts.DB = db
	opts.DialTimeout = 2 * time.Second
	return &Locker{client: redis.NewClient(opts)}
}

// IsAvailable reports whether this Locker is backed by a real Redis
// connection, or degraded to always-grant behavior.
func (l *Locker) IsAvailable() bool {
	if l.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return l.client.Ping(ctx).Err() == nil
}

// Acquire attempts to take the spawn lock for channel, valid for ttl.
// Always returns true when Redis is unconfigured or unreachable, so a
// single-daemon deployment behaves exactly as if this package did not
// exist.
func (l *Locker) Acquire(ctx context.Context, channel string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, lockKey(channel), 1, ttl).Result()
	if err != nil {
		// Redis hiccup: fail open rather than blocking a spawn the
		// in-process pending map has probably already deduplicated.
		return true, fmt.Errorf("spawnlock: acquire %q: %w", channel, err)
	}
	return ok, nil
}

// Release drops the spawn lock for channel early, once the session
// host has been confirmed running.
func (l *Locker) Release(ctx context.Context, channel string) error {
	if l.client == nil {
		return nil
	}
	return l.client.Del(ctx, lockKey(channel)).Err()
}

func lockKey(channel string) string {
	return keyLockPrefix + channel
}
