package signaling

import (
	"testing"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/media"
	"github.com/cloudwebrtc/go-sip-phone/pkg/phone"
	"github.com/cloudwebrtc/go-sip-phone/pkg/session"
	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/assert"
)

func TestEventState(t *testing.T) {
	cases := map[session.Status]phone.SessionState{
		session.InviteReceived: phone.SessionInitial,
		session.InviteSent:     phone.SessionEstablishing,
		session.Provisional:    phone.SessionEstablishing,
		session.EarlyMedia:     phone.SessionEstablishing,
		session.Confirmed:      phone.SessionEstablished,
		session.Failure:        phone.SessionTerminated,
		session.Canceled:       phone.SessionTerminated,
		session.Terminated:     phone.SessionTerminated,
	}
	for status, want := range cases {
		got, ok := EventState(status)
		assert.True(t, ok, status)
		assert.Equal(t, want, got, status)
	}

	for _, status := range []session.Status{session.WaitingForACK, session.ReInviteReceived, session.Answered} {
		_, ok := EventState(status)
		assert.False(t, ok, status)
	}
}

func TestRejectStatus(t *testing.T) {
	code, reason := rejectStatus(true)
	assert.Equal(t, sip.StatusCode(486), code)
	assert.Equal(t, "Busy Here", reason)

	code, reason = rejectStatus(false)
	assert.Equal(t, sip.StatusCode(603), code)
	assert.Equal(t, "Decline", reason)
}

func TestRecipient(t *testing.T) {
	ep := account.ResolveEndpoint(account.Config{Server: "sip.example.com", Port: "5060", Protocol: account.ProtocolWSS}, nil)

	uri := Recipient(ep, "")
	assert.Equal(t, "sip:sip.example.com:5060;transport=wss", uri.String())

	uri = Recipient(ep, "2002")
	assert.Equal(t, "sip:2002@sip.example.com:5060;transport=wss", uri.String())
}

func TestDialerDefaults(t *testing.T) {
	d := NewDialer(Config{})
	assert.Equal(t, uint32(DefaultExpires), d.cfg.Expires)
	assert.Equal(t, DefaultRegisterTimeout, d.cfg.RegisterTimeout)
	assert.Equal(t, media.DefaultPortMin, d.cfg.RTPPortMin)
	assert.Equal(t, media.DefaultPortMax, d.cfg.RTPPortMax)
	assert.NotNil(t, d.cfg.Clock)
	assert.NotNil(t, d.cfg.Logger)
}

var _ phone.Dialer = (*Dialer)(nil)
var _ phone.Agent = (*Agent)(nil)
var _ phone.Call = (*Call)(nil)
