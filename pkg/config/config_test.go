package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/settings"
	"github.com/ghettovoice/gosip/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, settings.BackendFile, c.StoreOptions().Backend)
	assert.Equal(t, log.InfoLevel, c.LogLevel())
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: debug
store:
  backend: redis
  redis_addr: 127.0.0.1:6379
rtp:
  port_min: 30000
  port_max: 30100
register:
  expires: 300
  timeout: 5s
tls:
  cert: cert.pem
  key: key.pem
`), 0o644))

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, c.LogLevel())
	assert.Equal(t, settings.BackendRedis, c.StoreOptions().Backend)
	assert.Equal(t, "127.0.0.1:8080", c.HTTP.Listen)

	dc := c.DialerConfig(nil)
	assert.Equal(t, uint32(300), dc.Expires)
	assert.Equal(t, 5*time.Second, dc.RegisterTimeout)
	assert.Equal(t, 30000, dc.RTPPortMin)
	require.NotNil(t, dc.TLS)
	assert.Equal(t, "key.pem", dc.TLS.Key)
}

func TestWriteThenLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "softphone.yaml")
	c := Default()
	c.HTTP.Listen = ":9000"
	require.NoError(t, c.Write(file))

	got, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, ":9000", got.HTTP.Listen)
	assert.Nil(t, got.DialerConfig(nil).TLS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"empty dir", func(c *Config) { c.Store.Dir = "" }},
		{"redis addr", func(c *Config) { c.Store.Backend = "redis" }},
		{"rtp range", func(c *Config) { c.RTP.PortMin, c.RTP.PortMax = 20000, 10000 }},
		{"expires", func(c *Config) { c.Register.Expires = 10 }},
		{"timeout", func(c *Config) { c.Register.Timeout = -time.Second }},
		{"tls pair", func(c *Config) { c.TLS.Cert = "cert.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log: ["), 0o644))
	_, err := Load(file)
	assert.Error(t, err)
}
