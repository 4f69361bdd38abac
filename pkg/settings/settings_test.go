package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = account.Config{
	AccountType:      account.TypeAIX,
	Server:           "sip.example.com",
	Port:             "5061",
	Username:         "100",
	Password:         "secret",
	Protocol:         account.ProtocolWSS,
	EchoCancellation: true,
	NoiseSuppression: false,
}

func roundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, sample))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample, got)

	changed := sample
	changed.Protocol = account.ProtocolWS
	require.NoError(t, s.Save(ctx, changed))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, account.ProtocolWS, got.Protocol)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	roundTrip(t, s)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sipConfig.json", entries[0].Name())
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sipConfig.json"), []byte("{"), 0o600))

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFileStoreKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sipConfig.json"), []byte(`{"server":"pbx","username":"7"}`), 0o600))

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	cfg, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pbx", cfg.Server)
	assert.Equal(t, "5060", cfg.Port)
	assert.Equal(t, account.ProtocolUDP, cfg.Protocol)
	assert.True(t, cfg.EchoCancellation)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(rdb, DefaultPrefix)
	defer s.Close()

	roundTrip(t, s)
	assert.True(t, mr.Exists("softphone:sipConfig"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, Options{Backend: BackendRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: BackendRedis})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)
}
