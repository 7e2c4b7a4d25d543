package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"contacts-api/internal/observability"
	"contacts-api/internal/user"
)

const sessionKeyPrefix = "session:"

// Sessions is a best-effort read-through cache of principal snapshots keyed
// by username. The user directory stays the source of truth: every Redis
// failure degrades to a miss or a no-op with a warning, never an error to
// the caller. A nil client disables caching entirely.
type Sessions struct {
	client *redis.Client
	logger *observability.Logger
}

func NewSessions(client *redis.Client, logger *observability.Logger) *Sessions {
	return &Sessions{client: client, logger: logger}
}

// NewRedisClient connects and pings before returning, so a misconfigured
// cache surfaces at startup rather than as per-request misses.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

func (s *Sessions) Get(ctx context.Context, username string) (user.Snapshot, bool) {
	if s.client == nil {
		return user.Snapshot{}, false
	}

	data, err := s.client.Get(ctx, sessionKeyPrefix+username).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("session_cache_read_failed", map[string]any{"username": username, "error": err.Error()})
		}
		return user.Snapshot{}, false
	}

	var snapshot user.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logger.Warn("session_cache_decode_failed", map[string]any{"username": username, "error": err.Error()})
		return user.Snapshot{}, false
	}

	return snapshot, true
}

func (s *Sessions) Put(ctx context.Context, username string, snapshot user.Snapshot, ttl time.Duration) {
	if s.client == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Warn("session_cache_encode_failed", map[string]any{"username": username, "error": err.Error()})
		return
	}

	if err := s.client.Set(ctx, sessionKeyPrefix+username, data, ttl).Err(); err != nil {
		s.logger.Warn("session_cache_write_failed", map[string]any{"username": username, "error": err.Error()})
	}
}

func (s *Sessions) Invalidate(ctx context.Context, username string) {
	if s.client == nil {
		return
	}

	if err := s.client.Del(ctx, sessionKeyPrefix+username).Err(); err != nil {
		s.logger.Warn("session_cache_invalidate_failed", map[string]any{"username": username, "error": err.Error()})
	}
}

// Ping reports cache health for the health endpoint. A nil client is healthy
// by definition.
func (s *Sessions) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

func (s *Sessions) Close() {
	if s.client == nil {
		return
	}
	_ = s.client.Close()
}