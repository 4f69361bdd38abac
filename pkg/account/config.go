package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
)

// Type selects how the signaling endpoint path is built.
type Type string

const (
	TypeSIP Type = "SIP"
	TypeAIX Type = "AIX"
)

// Protocol is the transport the user picked in settings.
type Protocol string

const (
	ProtocolUDP    Protocol = "UDP"
	ProtocolTCP    Protocol = "TCP"
	ProtocolTCPUDP Protocol = "TCP_UDP"
	ProtocolTLS    Protocol = "TLS"
	ProtocolWS     Protocol = "WS"
	ProtocolWSS    Protocol = "WSS"
)

var ErrInvalidConfig = errors.New("invalid account config")

// Config is the account configuration as stored by the settings screen.
type Config struct {
	AccountType      Type     `json:"accountType"`
	Server           string   `json:"server"`
	Port             string   `json:"port"`
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	Protocol         Protocol `json:"protocol"`
	EchoCancellation bool     `json:"echoCancellation"`
	NoiseSuppression bool     `json:"noiseSuppression"`
	DisplayName      string   `json:"displayName,omitempty"`
}

// DefaultConfig mirrors the values a fresh install starts with.
func DefaultConfig() Config {
	return Config{
		AccountType:      TypeSIP,
		Port:             "5060",
		Protocol:         ProtocolUDP,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Validate checks the fields needed to register.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("%w: server is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("%w: username is empty", ErrInvalidConfig)
	}
	if c.Port != "" && utils.StrToUint16(c.Port) == 0 {
		return fmt.Errorf("%w: port %q", ErrInvalidConfig, c.Port)
	}
	switch c.AccountType {
	case "", TypeSIP, TypeAIX:
	default:
		return fmt.Errorf("%w: account type %q", ErrInvalidConfig, c.AccountType)
	}
	return nil
}

// RedactedPassword replaces a stored password in Redacted copies.
const RedactedPassword = "***"

// Redacted returns a copy safe to log or hand back to clients.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = RedactedPassword
	}
	return c
}
