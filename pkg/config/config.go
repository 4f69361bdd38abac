package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/media"
	"github.com/cloudwebrtc/go-sip-phone/pkg/settings"
	"github.com/cloudwebrtc/go-sip-phone/pkg/signaling"
	"github.com/cloudwebrtc/go-sip-phone/pkg/stack"
	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/transport"
	"gopkg.in/yaml.v3"
)

// Config is the softphone process configuration. The SIP account itself lives
// in the settings store.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	UserAgent string `yaml:"user_agent"`
	Store     struct {
		Backend   string `yaml:"backend"`
		Dir       string `yaml:"dir"`
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"store"`
	RTP struct {
		PortMin int `yaml:"port_min"`
		PortMax int `yaml:"port_max"`
	} `yaml:"rtp"`
	Register struct {
		Expires uint32        `yaml:"expires"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"register"`
	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`
	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`
}

func Default() *Config {
	c := &Config{}
	c.Log.Level = "info"
	c.UserAgent = stack.DefaultUserAgent
	c.Store.Backend = string(settings.BackendFile)
	c.Store.Dir = ".softphone"
	c.RTP.PortMin = media.DefaultPortMin
	c.RTP.PortMax = media.DefaultPortMax
	c.Register.Expires = signaling.DefaultExpires
	c.Register.Timeout = signaling.DefaultRegisterTimeout
	c.HTTP.Listen = "127.0.0.1:8080"
	return c
}

// Load reads filename over the defaults. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	c := Default()
	if filename == "" {
		return c, nil
	}
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

// Write saves c as YAML.
func (c *Config) Write(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func (c *Config) Validate() error {
	if _, err := utils.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch settings.Backend(strings.ToLower(c.Store.Backend)) {
	case settings.BackendFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("store dir cannot be empty")
		}
	case settings.BackendRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("store redis_addr cannot be empty")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be file or redis)", c.Store.Backend)
	}

	if c.RTP.PortMin < 0 || c.RTP.PortMax > 65535 || c.RTP.PortMin > c.RTP.PortMax {
		return fmt.Errorf("invalid rtp port range: %d-%d", c.RTP.PortMin, c.RTP.PortMax)
	}
	if c.Register.Expires != 0 && c.Register.Expires < 60 {
		return fmt.Errorf("register expires too short: %d seconds (minimum 60)", c.Register.Expires)
	}
	if c.Register.Timeout < 0 {
		return fmt.Errorf("invalid register timeout: %s", c.Register.Timeout)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	return nil
}

func (c *Config) LogLevel() log.Level {
	lvl, _ := utils.ParseLogLevel(c.Log.Level)
	return lvl
}

func (c *Config) StoreOptions() settings.Options {
	return settings.Options{
		Backend:   settings.Backend(strings.ToLower(c.Store.Backend)),
		Dir:       c.Store.Dir,
		RedisAddr: c.Store.RedisAddr,
	}
}

// DialerConfig maps the process config onto the signaling dialer.
func (c *Config) DialerConfig(logger log.Logger) signaling.Config {
	dc := signaling.Config{
		UserAgent:       c.UserAgent,
		Expires:         c.Register.Expires,
		RegisterTimeout: c.Register.Timeout,
		RTPPortMin:      c.RTP.PortMin,
		RTPPortMax:      c.RTP.PortMax,
		Logger:          logger,
	}
	if c.TLS.Cert != "" {
		dc.TLS = &transport.TLSConfig{Cert: c.TLS.Cert, Key: c.TLS.Key}
	}
	return dc
}
