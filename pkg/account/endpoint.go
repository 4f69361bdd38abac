package account

import (
	"fmt"
	"strings"

	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/log"
)

// Endpoint is the websocket URL the signaling client connects to.
type Endpoint struct {
	Scheme string // "ws" or "wss"
	Host   string
	Port   string
	Path   string
	// Fallback is set when the configured protocol has no websocket
	// equivalent and wss was used instead.
	Fallback bool
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%s%s", e.Scheme, e.Host, e.Port, e.Path)
}

// Transport is the gosip network name for the endpoint scheme.
func (e Endpoint) Transport() string {
	return strings.ToUpper(e.Scheme)
}

// HostPort is Host:Port, used as the registrar address.
func (e Endpoint) HostPort() string {
	return e.Host + ":" + e.Port
}

// SchemeFor maps a settings protocol onto a websocket scheme. The mapping
// is total: anything without a websocket form falls back to wss.
func SchemeFor(p Protocol) (scheme string, fallback bool) {
	switch Protocol(strings.ToUpper(string(p))) {
	case ProtocolWSS, ProtocolTLS:
		return "wss", false
	case ProtocolWS:
		return "ws", false
	default:
		return "wss", true
	}
}

// ResolveEndpoint derives the signaling URL for cfg. SIP accounts use the
// /ws path, AIX accounts connect to the server root.
func ResolveEndpoint(cfg Config, logger log.Logger) Endpoint {
	scheme, fallback := SchemeFor(cfg.Protocol)
	if fallback && logger != nil {
		logger.Warnf("protocol %q is not available over websocket, using wss", cfg.Protocol)
	}
	ep := Endpoint{
		Scheme:   scheme,
		Host:     strings.TrimSpace(cfg.Server),
		Port:     strings.TrimSpace(cfg.Port),
		Fallback: fallback,
	}
	if ep.Port == "" || utils.StrToUint16(ep.Port) == 0 {
		ep.Port = "5060"
	}
	if cfg.AccountType != TypeAIX {
		ep.Path = "/ws"
	}
	return ep
}
