package session

import (
	"context"
	"testing"

	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvite(fromUser, toUser string) sip.Request {
	from := &sip.FromHeader{
		DisplayName: sip.String{Str: "Caller"},
		Address:     &sip.SipUri{FUser: sip.String{Str: fromUser}, FHost: "pbx"},
		Params:      sip.NewParams().Add("tag", sip.String{Str: "abc"}),
	}
	to := &sip.ToHeader{
		Address: &sip.SipUri{FUser: sip.String{Str: toUser}, FHost: "pbx"},
		Params:  sip.NewParams(),
	}
	callID := sip.CallID("call-1")
	hdrs := []sip.Header{
		from,
		to,
		&callID,
		&sip.CSeq{SeqNo: 7, MethodName: sip.INVITE},
	}
	return sip.NewRequest("", sip.INVITE, to.Address, "SIP/2.0", hdrs, "v=0\r\n", nil)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, InviteSent.InProgress())
	assert.True(t, InviteReceived.InProgress())
	assert.False(t, Confirmed.InProgress())

	assert.True(t, Confirmed.Established())
	assert.True(t, WaitingForACK.Established())
	assert.False(t, Provisional.Established())

	assert.True(t, Canceled.Ended())
	assert.True(t, Failure.Ended())
	assert.True(t, Terminated.Ended())
	assert.False(t, EarlyMedia.Ended())
}

func TestIncomingSessionAddsToTag(t *testing.T) {
	req := newInvite("1001", "100")
	s := NewInviteSession(nil, nil, req, "call-1", nil, Incoming, nil)

	to, ok := req.To()
	require.True(t, ok)
	assert.True(t, to.Params.Has("tag"))
	assert.Equal(t, "1001", s.RemoteUser())
	assert.Equal(t, "call-1", s.ID())
	assert.Equal(t, "v=0\r\n", s.RemoteSdp())
	assert.Equal(t, Incoming, s.Direction())
}

func TestOutgoingSession(t *testing.T) {
	req := newInvite("100", "2002")
	s := NewInviteSession(nil, nil, req, "call-1", nil, Outgoing, nil)

	assert.Equal(t, "2002", s.RemoteUser())
	assert.Equal(t, "v=0\r\n", s.LocalSdp())

	to, _ := req.To()
	assert.False(t, to.Params.Has("tag"))
}

func TestByeSendsInDialogRequest(t *testing.T) {
	var sent sip.Request
	cb := func(ctx context.Context, request sip.Request, authorizer sip.Authorizer, waitForResult bool, attempt int) (sip.Response, error) {
		sent = request
		return nil, nil
	}
	s := NewInviteSession(cb, nil, newInvite("100", "2002"), "call-1", nil, Outgoing, nil)

	assert.ErrorIs(t, s.Bye(), ErrWrongStatus)

	s.SetState(Confirmed)
	require.NoError(t, s.Bye())
	require.NotNil(t, sent)
	assert.Equal(t, sip.BYE, sent.Method())

	cseq, ok := sent.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(8), cseq.SeqNo)
	assert.Equal(t, sip.BYE, cseq.MethodName)

	callID, ok := sent.CallID()
	require.True(t, ok)
	assert.Equal(t, "call-1", string(*callID))
	assert.Equal(t, Terminated, s.Status())
}

func TestEndRules(t *testing.T) {
	s := NewInviteSession(nil, nil, newInvite("100", "2002"), "call-1", nil, Outgoing, nil)

	s.SetState(Terminated)
	assert.ErrorIs(t, s.End(), ErrEnded)

	// No client transaction stored, cancel cannot proceed.
	s.SetState(InviteSent)
	assert.ErrorIs(t, s.End(), ErrWrongStatus)
	assert.Equal(t, InviteSent, s.Status())
}

func TestAcceptRequiresIncoming(t *testing.T) {
	s := NewInviteSession(nil, nil, newInvite("100", "2002"), "call-1", nil, Outgoing, nil)
	s.SetState(InviteSent)
	assert.ErrorIs(t, s.Accept(200), ErrWrongStatus)
	assert.ErrorIs(t, s.Reject(486, "Busy Here"), ErrWrongStatus)
}

func TestUserData(t *testing.T) {
	s := NewInviteSession(nil, nil, newInvite("100", "2002"), "call-1", nil, Outgoing, nil)
	assert.Nil(t, s.UserData())
	s.SetUserData(42)
	assert.Equal(t, 42, s.UserData())
}
