package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string // Hash holding one JSON document per avatar
}

// RedisStore keeps every config as a JSON field of one Redis hash
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(rdb, cfg.Key), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "avatar:configs"
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Put(ctx context.Context, cfg AvatarConfig) error {
	data, err := sonic.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode avatar config: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key, cfg.AvatarID, data).Err(); err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, avatarID string) (AvatarConfig, bool, error) {
	data, err := s.rdb.HGet(ctx, s.key, avatarID).Bytes()
	if errors.Is(err, redis.Nil) {
		return AvatarConfig{}, false, nil
	}
	if err != nil {
		return AvatarConfig{}, false, fmt.Errorf("hget failed: %w", err)
	}

	var cfg AvatarConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return AvatarConfig{}, false, fmt.Errorf("decode avatar config %q: %w", avatarID, err)
	}
	return cfg, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, avatarID string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.key, avatarID).Result()
	if err != nil {
		return false, fmt.Errorf("hdel failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]AvatarConfig, error) {
	entries, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}

	out := make([]AvatarConfig, 0, len(entries))
	for id, data := range entries {
		var cfg AvatarConfig
		if err := sonic.UnmarshalString(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode avatar config %q: %w", id, err)
		}
		out = append(out, cfg)
	}
	sortByID(out)
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
