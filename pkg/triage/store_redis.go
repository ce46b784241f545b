package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ============================================================================
// REDIS SESSION STORE
// ============================================================================
// Redis-backed session storage for multi-node deployments. Sessions are
// stored as JSON under a key TTL equal to the inactivity window; every save
// refreshes the TTL, so Redis itself enforces expiry and an expired session
// is simply absent.
//
// Optimistic concurrency uses WATCH: the save transaction aborts when a
// competing writer touches the key, and the stored Version is compared
// before writing.

// RedisStore implements SessionStore on top of a Redis client.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisStoreOption is a functional option for configuring RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisTTL sets the inactivity window (key TTL).
func WithRedisTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = d
	}
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(p string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = p
	}
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    30 * time.Minute,
		prefix: "triage:session:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Load retrieves a session by ID.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("redis load: decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Save persists a session, enforcing the optimistic version check inside a
// WATCH transaction. On success the caller's session advances one version.
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	if sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	key := s.key(sess.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if sess.Version != 0 {
				return ErrConflict
			}
		case err != nil:
			return fmt.Errorf("redis save: read current: %w", err)
		default:
			var current Session
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("redis save: decode current: %w", err)
			}
			if current.Version != sess.Version {
				return ErrConflict
			}
		}

		next := sess.Clone()
		next.Version++
		next.UpdatedAt = time.Now()

		buf, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redis save: encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, s.ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// A racing writer modified the key between WATCH and EXEC.
		return ErrConflict
	}
	if err != nil {
		return err
	}

	sess.Version++
	sess.UpdatedAt = time.Now()
	return nil
}

// Expire removes a session immediately.
func (s *RedisStore) Expire(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

// Ping verifies connectivity; called at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Ensure RedisStore implements SessionStore
var _ SessionStore = (*RedisStore)(nil)
