// Package bus implements the Redis-backed queue, distributed lock, and
// pub/sub primitives used by the worker (C10), outbox consumer (C9), retry
// scheduler (C11), and notification bridge (C13). Grounded on the teacher's
// own resilience/backoff adapter idiom for wrapping a third-party client
// behind a small typed surface, since the pack carries no Redis-specific
// component to copy structurally.
package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLockNotHeld is returned by Lock.Release when the lock's token no
// longer matches what is stored in Redis — either it expired and was
// reacquired by someone else, or Release was called twice.
var ErrLockNotHeld = errors.New("bus: lock not held")

// unlockScript performs a compare-and-delete: only the holder that set the
// token may delete it. Classic single-instance Redis lock pattern (§9
// calls out the DB-crash/lock-TTL interaction explicitly as a known gap).
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Bus wraps a go-redis client with the queue/lock/pubsub operations the
// rest of the system needs. It is safe for concurrent use.
type Bus struct {
	rdb *redis.Client
}

// New wraps an already-configured redis.Client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// NewFromURL parses redisURL (redis://[:password@]host:port/db) and opens a
// client against it.
func NewFromURL(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

// Ping verifies connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// ---- Queue ----------------------------------------------------------------

// Enqueue pushes jobID onto queueName, deduplicating via a SET NX on a
// per-job marker key (§9's fallback for queue-level duplicate detection,
// since LPUSH itself has no notion of job identity). Returns (false, nil)
// when jobID was already enqueued and is still pending.
func (b *Bus) Enqueue(ctx context.Context, queueName, jobID string, ttl time.Duration) (bool, error) {
	markerKey := "job_marker:" + jobID
	ok, err := b.rdb.SetNX(ctx, markerKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("bus: enqueue marker: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := b.rdb.LPush(ctx, queueName, jobID).Err(); err != nil {
		return false, fmt.Errorf("bus: lpush: %w", err)
	}
	return true, nil
}

// Dequeue blocks up to timeout for a job id to appear on queueName, via
// BRPOP. A zero timeout blocks until context cancellation or a result.
func (b *Bus) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (string, error) {
	result, err := b.rdb.BRPop(ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("bus: brpop: %w", err)
	}
	// BRPop returns [queueName, value].
	if len(result) != 2 {
		return "", fmt.Errorf("bus: unexpected brpop result shape: %v", result)
	}
	return result[1], nil
}

// ReleaseJobMarker clears the dedup marker for jobID, allowing it to be
// re-enqueued before the marker expires. The retry scheduler does not use
// it: it re-enqueues under a fresh job id.
func (b *Bus) ReleaseJobMarker(ctx context.Context, jobID string) error {
	return b.rdb.Del(ctx, "job_marker:"+jobID).Err()
}

// ---- Distributed lock -------------------------------------------------

// Lock represents one held distributed lock; Release is idempotent-safe
// via the compare-and-delete Lua script.
type Lock struct {
	bus   *Bus
	key   string
	token string
}

// AcquireLock attempts SET key token NX PX ttl. Returns (nil, nil) — not
// an error — when the lock is already held by someone else, matching the
// worker's "skip this application_id, someone else owns it" behavior.
func (b *Bus) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("bus: generate lock token: %w", err)
	}

	ok, err := b.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: acquire lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{bus: b, key: key, token: token}, nil
}

// Release deletes the lock iff it is still held by this Lock's token.
func (l *Lock) Release(ctx context.Context) error {
	result, err := unlockScript.Run(ctx, l.bus.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("bus: release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ---- Pub/Sub ------------------------------------------------------------

// Publish broadcasts payload (already-serialized bytes) on channel — used
// for the "websocket:broadcast" channel consumed by the notification
// bridge (C13).
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a live subscription to channel. Callers must call
// Close on the returned *redis.PubSub when done.
func (b *Bus) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channel)
}
