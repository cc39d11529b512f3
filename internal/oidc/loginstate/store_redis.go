package loginstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authgate/pkg/platform/sentinel"
)

const redisKeyPrefix = "login:state:"

// RedisStore persists pending login state in Redis with native TTL expiry.
// This is the production implementation for multi-replica deployments: the
// callback may be served by a different gateway instance than the one that
// began the login.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock sets the clock function for testability.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore constructs a Redis-backed login state store. The client
// lifecycle is managed externally.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("login state already expired: %w", sentinel.ErrExpired)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal login state: %w", err)
	}
	return s.client.Set(ctx, redisKeyPrefix+rec.State, payload, ttl).Err()
}

// Consume atomically removes and returns the record via GETDEL, so two
// concurrent callbacks with the same state cannot both succeed. Redis TTL
// handles expiry; an expired entry is indistinguishable from a missing one,
// which is fine because both fail the login the same way.
func (s *RedisStore) Consume(ctx context.Context, state string) (Record, error) {
	payload, err := s.client.GetDel(ctx, redisKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("login state not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis getdel: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal login state: %w", err)
	}
	return rec, nil
}
