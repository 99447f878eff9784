package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs multi-process deployments where workers on different
// machines need a shared view. Expiry is delegated to Redis TTLs.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedis(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &RedisStore{rdb: rdb}, nil
}

func entityKey(id string) string    { return "ent:" + id }
func eventsKey(jobID string) string { return "jobev:" + jobID }

func (s *RedisStore) LoadEntity(ctx context.Context, id string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, entityKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) SaveEntity(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, entityKey(id), value, ttl).Err()
}

func (s *RedisStore) AppendEvent(ctx context.Context, jobID string, message string) error {
	payload, err := json.Marshal(Event{At: time.Now(), Message: message})
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, eventsKey(jobID), payload)
	pipe.Expire(ctx, eventsKey(jobID), 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Events(ctx context.Context, jobID string) ([]Event, error) {
	raw, err := s.rdb.LRange(ctx, eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Cleanup is a no-op: Redis evicts expired keys itself.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
