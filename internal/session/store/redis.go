package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authgate/internal/session"
	"authgate/pkg/platform/sentinel"
)

const (
	redisKeyPrefix = "session:"
	redisSIDPrefix = "session:sid:"
	redisSubPrefix = "session:sub:"
)

// RedisStore persists sessions in Redis with native TTL expiry. Besides the
// primary record it maintains two lookaside indexes so back-channel logout
// can find sessions without scanning: provider session ID to session ID,
// and subject to the set of session IDs.
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

// NewRedisStore constructs a Redis-backed session store. The client
// lifecycle is managed externally.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Save(ctx context.Context, sess session.Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session already expired: %w", sentinel.ErrExpired)
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+sess.ID, payload, ttl)
	if sess.ProviderSessionID != "" {
		pipe.Set(ctx, redisSIDPrefix+sess.ProviderSessionID, sess.ID, ttl)
	}
	if sess.Subject != "" {
		pipe.SAdd(ctx, redisSubPrefix+sess.Subject, sess.ID)
		pipe.Expire(ctx, redisSubPrefix+sess.Subject, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (session.Session, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("redis get session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, sess)
}

func (s *RedisStore) DeleteByProviderSession(ctx context.Context, sid string) ([]session.Session, error) {
	if sid == "" {
		return nil, nil
	}
	id, err := s.client.Get(ctx, redisSIDPrefix+sid).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis sid index lookup: %w", err)
	}

	sess, err := s.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		// Dangling index entry: the session expired first. Clean it up.
		s.client.Del(ctx, redisSIDPrefix+sid)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.remove(ctx, sess); err != nil {
		return nil, err
	}
	return []session.Session{sess}, nil
}

func (s *RedisStore) DeleteBySubject(ctx context.Context, subject string) ([]session.Session, error) {
	if subject == "" {
		return nil, nil
	}
	ids, err := s.client.SMembers(ctx, redisSubPrefix+subject).Result()
	if err != nil {
		return nil, fmt.Errorf("redis subject index lookup: %w", err)
	}

	var removed []session.Session
	for _, id := range ids {
		sess, err := s.FindByID(ctx, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.client.SRem(ctx, redisSubPrefix+subject, id)
			continue
		}
		if err != nil {
			return removed, err
		}
		if err := s.remove(ctx, sess); err != nil {
			return removed, err
		}
		removed = append(removed, sess)
	}
	return removed, nil
}

// remove deletes the primary record and both index entries.
func (s *RedisStore) remove(ctx context.Context, sess session.Session) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKeyPrefix+sess.ID)
	if sess.ProviderSessionID != "" {
		pipe.Del(ctx, redisSIDPrefix+sess.ProviderSessionID)
	}
	if sess.Subject != "" {
		pipe.SRem(ctx, redisSubPrefix+sess.Subject, sess.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}
