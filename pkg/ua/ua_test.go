package ua

import (
	"testing"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/stack"
	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUA(t *testing.T) *UserAgent {
	logger := utils.NewLogrusLogger(utils.DefaultLogLevel, "UATest", nil)
	s, err := stack.NewSipStack(&stack.Config{Host: "127.0.0.1", UserAgent: "test-ua"}, logger)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return NewUserAgent(&UserAgentConfig{SipStack: s})
}

func TestRefreshAfter(t *testing.T) {
	assert.Equal(t, 3590*time.Second, refreshAfter(3600))
	assert.Equal(t, 50*time.Second, refreshAfter(60))
	assert.Equal(t, 10*time.Second, refreshAfter(20))
	assert.Equal(t, time.Duration(0), refreshAfter(0))
}

func TestGrantedExpires(t *testing.T) {
	req := sip.NewRequest("", sip.REGISTER, &sip.SipUri{FHost: "pbx"}, "SIP/2.0", nil, "", nil)
	res := sip.NewResponseFromRequest("", req, 200, "OK", "")
	assert.Equal(t, uint32(600), grantedExpires(res, 600))

	e := sip.Expires(120)
	res.AppendHeader(&e)
	assert.Equal(t, uint32(120), grantedExpires(res, 600))
}

func TestTransportOf(t *testing.T) {
	uri, err := parser.ParseSipUri("sip:pbx:5060;transport=ws")
	require.NoError(t, err)
	assert.Equal(t, "WS", transportOf(uri))

	uri, err = parser.ParseSipUri("sip:pbx:5060")
	require.NoError(t, err)
	assert.Equal(t, "UDP", transportOf(uri))
}

func TestBuildRegisterRequest(t *testing.T) {
	ua := newTestUA(t)

	recipient, err := parser.ParseSipUri("sip:127.0.0.1:5060;transport=wss")
	require.NoError(t, err)

	cfg := account.Config{Server: "127.0.0.1", Port: "5060", Username: "100", Protocol: account.ProtocolWSS}
	profile := account.ProfileFromConfig(cfg, account.ResolveEndpoint(cfg, nil), 600)

	from := &sip.Address{Uri: profile.URI, Params: sip.NewParams().Add("tag", sip.String{Str: "t1"})}
	to := &sip.Address{Uri: profile.URI}
	req, err := ua.buildRequest(sip.REGISTER, from, to, ua.buildContact(profile, recipient), recipient, nil)
	require.NoError(t, err)

	via, ok := (*req).ViaHop()
	require.True(t, ok)
	assert.Equal(t, "WSS", via.Transport)
	assert.Equal(t, "127.0.0.1", via.Host)

	contact, ok := (*req).Contact()
	require.True(t, ok)
	assert.Contains(t, contact.Address.String(), "transport=wss")
	assert.Contains(t, contact.Address.String(), "sip:100@127.0.0.1")

	hdrs := (*req).GetHeaders("User-Agent")
	require.Len(t, hdrs, 1)
	assert.Equal(t, "test-ua", hdrs[0].Value())
}
