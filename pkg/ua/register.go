package ua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/auth"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
	"github.com/jonboulle/clockwork"
)

func newAuthorizer(info *account.AuthInfo) sip.Authorizer {
	return auth.NewClientAuthorizer(info.AuthName, info.Password)
}

// refreshAfter is how long to wait before renewing a binding that lasts
// expires seconds.
func refreshAfter(expires uint32) time.Duration {
	if expires > 20 {
		return time.Duration(expires-10) * time.Second
	}
	return time.Duration(expires) * time.Second / 2
}

// Register keeps one REGISTER binding alive.
type Register struct {
	ua        *UserAgent
	clock     clockwork.Clock
	mu        sync.Mutex
	timer     clockwork.Timer
	profile   *account.Profile
	recipient sip.SipUri
	request   *sip.Request
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewRegister(ua *UserAgent, profile *account.Profile, recipient sip.SipUri, clock clockwork.Clock) *Register {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Register{
		ua:        ua,
		clock:     clock,
		profile:   profile,
		recipient: recipient,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// SendRegister sends one REGISTER and reports the result to
// RegisterStateHandler. A positive granted expiry schedules a refresh.
func (r *Register) SendRegister(ctx context.Context, expires uint32) (account.RegisterState, error) {
	ua := r.ua
	profile := r.profile

	r.mu.Lock()
	if r.request == nil {
		from := &sip.Address{
			Uri:    profile.URI,
			Params: sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)}),
		}
		to := &sip.Address{
			Uri: profile.URI,
		}
		request, err := ua.buildRequest(sip.REGISTER, from, to, ua.buildContact(profile, r.recipient), r.recipient, nil)
		if err != nil {
			r.mu.Unlock()
			return account.RegisterState{}, err
		}
		r.request = request
	} else if cseq, ok := (*r.request).CSeq(); ok {
		(*r.request).RemoveHeader("CSeq")
		(*r.request).AppendHeader(&sip.CSeq{SeqNo: cseq.SeqNo + 1, MethodName: sip.REGISTER})
		if viaHop, ok := (*r.request).ViaHop(); ok {
			viaHop.Params.Add("branch", sip.String{Str: sip.GenerateBranch()})
		}
	}
	(*r.request).RemoveHeader("Expires")
	expiresHeader := sip.Expires(expires)
	(*r.request).AppendHeader(&expiresHeader)
	request := *r.request
	r.mu.Unlock()

	var authorizer sip.Authorizer
	if profile.Auth != nil {
		authorizer = newAuthorizer(profile.Auth)
	}

	resp, err := ua.RequestWithContext(ctx, request, authorizer, true, 1)
	if err != nil {
		ua.Log().Errorf("Request [%s] failed, err => %v", sip.REGISTER, err)
		state := account.RegisterState{
			Account:    *profile,
			StatusCode: 500,
			Reason:     err.Error(),
		}
		if reqErr, ok := err.(*sip.RequestError); ok {
			state.StatusCode = sip.StatusCode(reqErr.Code)
			state.Reason = reqErr.Reason
			state.Response = reqErr.Response
		}
		r.notify(state)
		return state, fmt.Errorf("register %s: %w", profile.URI, err)
	}

	ua.Log().Debugf("%s resp %d => %s", sip.REGISTER, resp.StatusCode(), resp.Short())
	granted := grantedExpires(resp, expires)
	state := account.RegisterState{
		Account:    *profile,
		Response:   resp,
		StatusCode: resp.StatusCode(),
		Reason:     resp.Reason(),
		Expiration: granted,
	}

	if granted > 0 {
		r.scheduleRefresh(expires, granted)
	} else {
		r.stopTimer()
	}
	r.notify(state)
	return state, nil
}

func (r *Register) notify(state account.RegisterState) {
	if r.ua.RegisterStateHandler != nil {
		r.ua.RegisterStateHandler(state)
	}
}

func grantedExpires(resp sip.Response, requested uint32) uint32 {
	if hdrs := resp.GetHeaders("Expires"); len(hdrs) > 0 {
		if e, ok := hdrs[0].(*sip.Expires); ok {
			return uint32(*e)
		}
	}
	return requested
}

func (r *Register) scheduleRefresh(expires, granted uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(refreshAfter(granted), func() {
		if r.ctx.Err() != nil {
			return
		}
		if _, err := r.SendRegister(r.ctx, expires); err != nil {
			r.ua.Log().Warnf("refresh registration: %v", err)
		}
	})
}

func (r *Register) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Unregister removes the binding with Expires: 0.
func (r *Register) Unregister(ctx context.Context) error {
	r.stopTimer()
	_, err := r.SendRegister(ctx, 0)
	return err
}

// Stop cancels the refresh timer and any request in flight.
func (r *Register) Stop() {
	r.stopTimer()
	r.cancel()
}
