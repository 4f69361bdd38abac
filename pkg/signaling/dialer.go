package signaling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/media"
	"github.com/cloudwebrtc/go-sip-phone/pkg/phone"
	"github.com/cloudwebrtc/go-sip-phone/pkg/stack"
	"github.com/cloudwebrtc/go-sip-phone/pkg/ua"
	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/transport"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultExpires         = 600
	DefaultRegisterTimeout = 15 * time.Second
)

type Config struct {
	// Host is the advertised local address; resolved when empty.
	Host            string
	UserAgent       string
	Expires         uint32
	RegisterTimeout time.Duration
	RTPPortMin      int
	RTPPortMax      int
	// TLS is used for the local WSS listener.
	TLS    *transport.TLSConfig
	Clock  clockwork.Clock
	Logger log.Logger
}

// Dialer registers accounts over websocket with the gosip based user agent.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.Expires == 0 {
		cfg.Expires = DefaultExpires
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.RTPPortMin == 0 && cfg.RTPPortMax == 0 {
		cfg.RTPPortMin, cfg.RTPPortMax = media.DefaultPortMin, media.DefaultPortMax
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Signaling", nil)
	}
	return &Dialer{cfg: cfg}
}

// Recipient is the registrar URI for ep.
func Recipient(ep account.Endpoint, user string) sip.SipUri {
	uri := sip.SipUri{
		FHost:      ep.Host,
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: strings.ToLower(ep.Transport())}),
	}
	if user != "" {
		uri.FUser = sip.String{Str: user}
	}
	if port := utils.StrToUint16(ep.Port); port != 0 {
		p := sip.Port(port)
		uri.FPort = &p
	}
	return uri
}

// Dial starts a SIP stack on the endpoint transport and registers. It
// returns once the registrar accepted the binding.
func (d *Dialer) Dial(ctx context.Context, cfg account.Config, ep account.Endpoint) (phone.Agent, error) {
	logger := d.cfg.Logger.WithFields(log.Fields{"account": cfg.Username, "endpoint": ep.String()})

	s, err := stack.NewSipStack(&stack.Config{
		Host:       d.cfg.Host,
		UserAgent:  d.cfg.UserAgent,
		Extensions: []string{"outbound"},
	}, logger)
	if err != nil {
		return nil, err
	}

	var tlsOpts *transport.TLSConfig
	if ep.Scheme == "wss" {
		tlsOpts = d.cfg.TLS
	}
	if err := s.ListenTLS(ep.Transport(), "0.0.0.0:0", tlsOpts); err != nil {
		s.Shutdown()
		return nil, err
	}

	a := newAgent(d.cfg, cfg, ep, s, logger)
	a.ua = ua.NewUserAgent(&ua.UserAgentConfig{SipStack: s})
	a.ua.InviteStateHandler = a.onInviteState
	a.ua.RegisterStateHandler = a.onRegisterState
	s.OnConnectionError(a.onConnectionError)

	a.profile = account.ProfileFromConfig(cfg, ep, d.cfg.Expires)
	a.reg = ua.NewRegister(a.ua, a.profile, Recipient(ep, ""), d.cfg.Clock)

	rctx, cancel := context.WithTimeout(ctx, d.cfg.RegisterTimeout)
	defer cancel()
	state, err := a.reg.SendRegister(rctx, d.cfg.Expires)
	if err != nil {
		a.shutdown(false)
		return nil, err
	}
	if state.StatusCode >= 300 {
		a.shutdown(false)
		return nil, fmt.Errorf("register %s: %d %s", ep, state.StatusCode, state.Reason)
	}

	logger.Infof("registered, expires in %ds", state.Expiration)
	a.connected.Set()
	return a, nil
}
