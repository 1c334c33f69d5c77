// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package idempotency remembers which keys have already produced their side
// effects. Consulted inside the distributed lock guarding the key
// (check, act, mark) it yields at-most-once semantics under job redelivery.
// Entries expire; an expired key reads as unseen.
package idempotency

import (
	"context"
	"errors"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a processed marker outlives its write.
const DefaultTTL = 24 * time.Hour

// Store tracks processed keys with a TTL.
type Store interface {
	// HasBeenProcessed reports whether key was marked and has not expired.
	HasBeenProcessed(ctx context.Context, key string) (bool, error)

	// MarkAsProcessed records key with its reference id.
	MarkAsProcessed(ctx context.Context, key, referenceID string) error

	// ReferenceID returns the reference recorded for key, or "" if the key
	// is unseen or expired.
	ReferenceID(ctx context.Context, key string) (string, error)
}

// MemoryStore keeps markers in process memory. Replica-local; fine for
// single-replica deployments and tests.
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore returns a memory store with the given TTL (DefaultTTL when
// zero).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{c: cache.New(ttl, 10*time.Minute)}
}

func (s *MemoryStore) HasBeenProcessed(_ context.Context, key string) (bool, error) {
	_, ok := s.c.Get(key)
	return ok, nil
}

func (s *MemoryStore) MarkAsProcessed(_ context.Context, key, referenceID string) error {
	s.c.SetDefault(key, referenceID)
	return nil
}

func (s *MemoryStore) ReferenceID(_ context.Context, key string) (string, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return "", nil
	}
	return v.(string), nil
}

// RedisStore keeps markers in redis so every replica sees them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a redis-backed store with the given TTL (DefaultTTL
// when zero).
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(key string) string {
	return "modroll:idem:" + key
}

func (s *RedisStore) HasBeenProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) MarkAsProcessed(ctx context.Context, key, referenceID string) error {
	return s.client.Set(ctx, s.key(key), referenceID, s.ttl).Err()
}

func (s *RedisStore) ReferenceID(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
