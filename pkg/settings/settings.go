package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
)

// Key is where the account configuration is kept.
const Key = "sipConfig"

var ErrNotFound = errors.New("settings not found")

// Store persists the account configuration. Call history and connection
// state are never stored.
type Store interface {
	Load(ctx context.Context) (account.Config, error)
	Save(ctx context.Context, cfg account.Config) error
	Close() error
}

type Backend string

const (
	BackendFile  Backend = "file"
	BackendRedis Backend = "redis"
)

type Options struct {
	Backend   Backend
	Dir       string
	RedisAddr string
}

// Open returns the store selected by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.Dir)
	case BackendRedis:
		rdb, err := OpenRedis(ctx, RedisConfig{Addr: opts.RedisAddr})
		if err != nil {
			return nil, err
		}
		return NewRedisStore(rdb, DefaultPrefix), nil
	}
	return nil, fmt.Errorf("unknown settings backend %q", opts.Backend)
}

func decode(raw []byte) (account.Config, error) {
	cfg := account.DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return account.Config{}, fmt.Errorf("decode %s: %w", Key, err)
	}
	return cfg, nil
}
