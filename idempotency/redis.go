package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/Digital-Creators-Team/reward-module/db/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RedisStore shares locks and results across instances.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a store on client.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.With().Str("component", "idempotency").Logger()}
}

// Lock sets the key's lock with SET NX; the release only deletes our own token.
func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockPrefix+key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInFlight
	}
	return func() {
		// The request context may be gone by now.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.client.DeleteIfEquals(ctx, lockPrefix+key, token); err != nil {
			s.logger.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to release idempotency lock")
		}
	}, nil
}

// Load reads the cached result for key. A missing key is not an error.
func (s *RedisStore) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	err := s.client.GetJSON(ctx, resultPrefix+key, dest)
	if errors.Is(err, redis.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save caches v under key for ttl.
func (s *RedisStore) Save(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	return s.client.SetJSON(ctx, resultPrefix+key, v, ttl)
}
