// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/modroll/modroll/modroll/structs"
)

const (
	// redisLockTTL caps how long a crashed holder can keep a lock.
	redisLockTTL = 5 * time.Minute

	// redisAcquirePoll is the retry cadence while waiting for a held lock.
	redisAcquirePoll = 250 * time.Millisecond
)

// redisReleaseScript deletes the lock only if this handle's fencing value is
// still stored, so an expired holder cannot release a successor's lock.
var redisReleaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements the lock contract with SET NX PX plus a
// compare-and-delete release. The TTL is the self-expiry safety net.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger hclog.Logger
}

// NewRedisLocker returns a locker over client.
func NewRedisLocker(client *redis.Client, logger hclog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    redisLockTTL,
		logger: logger.Named("lock.redis"),
	}
}

func (l *RedisLocker) key(resource string) string {
	return "modroll:lock:" + resource
}

func (l *RedisLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	fence := uuid.NewString()
	key := l.key(resource)
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, fence, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			l.logger.Trace("acquired redis lock", "resource", resource)
			return &redisHandle{
				locker:   l,
				resource: resource,
				key:      key,
				fence:    fence,
			}, nil
		}

		if time.Now().Add(redisAcquirePoll).After(deadline) {
			return nil, structs.ErrLockTimeout
		}
		select {
		case <-time.After(redisAcquirePoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type redisHandle struct {
	locker   *RedisLocker
	resource string
	key      string
	fence    string

	once     sync.Once
	mu       sync.Mutex
	released bool
}

func (h *redisHandle) Release() {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := redisReleaseScript.Run(ctx, h.locker.client, []string{h.key}, h.fence).Int()
		if err != nil {
			h.locker.logger.Warn("failed to release redis lock",
				"resource", h.resource, "error", err)
		} else if n == 0 {
			// Expired and possibly re-acquired by someone else.
			h.locker.logger.Warn("redis lock already expired at release",
				"resource", h.resource)
		}

		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
	})
}

func (h *redisHandle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released
}

func (h *redisHandle) Resource() string { return h.resource }
