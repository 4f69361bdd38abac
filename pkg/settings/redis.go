package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "softphone:"

// RedisConfig controls the redis client.
type RedisConfig struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis connects and checks the server with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisStore keeps settings as JSON strings under prefix+key.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key() string {
	return s.prefix + Key
}

func (s *RedisStore) Load(ctx context.Context) (account.Config, error) {
	raw, err := s.rdb.Get(ctx, s.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return account.Config{}, ErrNotFound
	}
	if err != nil {
		return account.Config{}, fmt.Errorf("redis get %s: %w", s.key(), err)
	}
	return decode(raw)
}

func (s *RedisStore) Save(ctx context.Context, cfg account.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(), err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
