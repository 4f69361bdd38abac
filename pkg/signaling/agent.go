package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/media"
	"github.com/cloudwebrtc/go-sip-phone/pkg/phone"
	"github.com/cloudwebrtc/go-sip-phone/pkg/session"
	"github.com/cloudwebrtc/go-sip-phone/pkg/stack"
	"github.com/cloudwebrtc/go-sip-phone/pkg/ua"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/transport"
	"github.com/tevino/abool"
)

const unregisterTimeout = 5 * time.Second

// EventState maps a session status onto the coordinator lifecycle. ok is
// false for statuses the coordinator does not react to.
func EventState(status session.Status) (state phone.SessionState, ok bool) {
	switch status {
	case session.InviteReceived:
		return phone.SessionInitial, true
	case session.InviteSent, session.Provisional, session.EarlyMedia:
		return phone.SessionEstablishing, true
	case session.Confirmed:
		return phone.SessionEstablished, true
	case session.Failure, session.Canceled, session.Terminated:
		return phone.SessionTerminated, true
	}
	return "", false
}

// Agent is a registered account. It implements phone.Agent.
type Agent struct {
	dcfg    Config
	account account.Config
	ep      account.Endpoint
	stack   *stack.SipStack
	ua      *ua.UserAgent
	reg     *ua.Register
	profile *account.Profile
	log     log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connected *abool.AtomicBool
	closed    *abool.AtomicBool
	done      chan struct{}
	emitMu    sync.RWMutex
	events    chan phone.Event

	callsMu sync.Mutex
	calls   map[string]*Call
}

func newAgent(dcfg Config, cfg account.Config, ep account.Endpoint, s *stack.SipStack, logger log.Logger) *Agent {
	a := &Agent{
		dcfg:      dcfg,
		account:   cfg,
		ep:        ep,
		stack:     s,
		log:       logger.WithPrefix("Agent"),
		connected: abool.New(),
		closed:    abool.New(),
		done:      make(chan struct{}),
		events:    make(chan phone.Event, 32),
		calls:     make(map[string]*Call),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

func (a *Agent) Events() <-chan phone.Event {
	return a.events
}

func (a *Agent) Connected() bool {
	return a.connected.IsSet() && a.closed.IsNotSet()
}

// Invite places an outgoing call. It returns once the INVITE is sent.
func (a *Agent) Invite(ctx context.Context, number string) (phone.Call, error) {
	if !a.Connected() {
		return nil, fmt.Errorf("invite %s: agent not registered", number)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := media.NewRTPStream("0.0.0.0", a.dcfg.RTPPortMin, a.dcfg.RTPPortMax, nil)
	if err != nil {
		return nil, fmt.Errorf("allocate rtp port: %w", err)
	}
	offer, err := media.BuildOffer(a.stack.Host(), stream.LocalAddr().Port, a.constraints(), uint64(time.Now().Unix()))
	if err != nil {
		stream.Close()
		return nil, err
	}

	sess, err := a.ua.Invite(a.ctx, a.profile, Recipient(a.ep, number), offer.SDP)
	if err != nil {
		stream.Close()
		return nil, err
	}
	c := a.callFor(sess)
	c.attachStream(stream)
	return c, nil
}

// Close unregisters and shuts the stack down. Events is closed afterwards.
func (a *Agent) Close() error {
	return a.shutdown(true)
}

func (a *Agent) shutdown(unregister bool) error {
	if !a.closed.SetToIf(false, true) {
		return nil
	}
	close(a.done)

	var err error
	if unregister && a.connected.IsSet() && a.reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		err = a.reg.Unregister(ctx)
		cancel()
	}
	if a.reg != nil {
		a.reg.Stop()
	}
	a.connected.UnSet()
	a.cancel()
	if a.ua != nil {
		a.ua.Shutdown()
	} else if a.stack != nil {
		a.stack.Shutdown()
	}

	a.callsMu.Lock()
	for id, c := range a.calls {
		c.release()
		delete(a.calls, id)
	}
	a.callsMu.Unlock()

	a.emitMu.Lock()
	close(a.events)
	a.emitMu.Unlock()
	return err
}

func (a *Agent) emit(ev phone.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.closed.IsSet() {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Agent) constraints() media.Constraints {
	return media.Constraints{
		EchoCancellation: a.account.EchoCancellation,
		NoiseSuppression: a.account.NoiseSuppression,
	}
}

func (a *Agent) callFor(sess *session.Session) *Call {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()
	if c, ok := a.calls[sess.ID()]; ok {
		return c
	}
	c := &Call{agent: a, sess: sess}
	a.calls[sess.ID()] = c
	return c
}

func (a *Agent) forget(c *Call) {
	a.callsMu.Lock()
	delete(a.calls, c.ID())
	a.callsMu.Unlock()
}

// busyFor reports whether another call than c is live.
func (a *Agent) busyFor(c *Call) bool {
	a.callsMu.Lock()
	defer a.callsMu.Unlock()
	for id := range a.calls {
		if id != c.ID() {
			return true
		}
	}
	return false
}

func (a *Agent) onInviteState(sess *session.Session, req *sip.Request, resp *sip.Response, status session.Status) {
	a.log.Debugf("session %s status => %s", sess.ID(), status)

	state, ok := EventState(status)
	if !ok {
		return
	}
	c := a.callFor(sess)

	switch state {
	case phone.SessionInitial:
		if err := sess.Provisional(180, "Ringing"); err != nil {
			a.log.Warnf("send 180 Ringing: %v", err)
		}
		a.emit(phone.Event{Kind: phone.EventInvite, Call: c})
	case phone.SessionEstablished:
		c.startMedia()
		a.emit(phone.Event{Kind: phone.EventSession, Call: c, State: state})
	case phone.SessionTerminated:
		c.release()
		a.forget(c)
		a.emit(phone.Event{Kind: phone.EventSession, Call: c, State: state})
	default:
		a.emit(phone.Event{Kind: phone.EventSession, Call: c, State: state})
	}
}

func (a *Agent) onRegisterState(state account.RegisterState) {
	a.log.Debugf("register state => %d %s, expires %d", state.StatusCode, state.Reason, state.Expiration)
	if state.StatusCode >= 300 && a.connected.IsSet() && a.closed.IsNotSet() {
		a.connected.UnSet()
		a.emit(phone.Event{
			Kind: phone.EventTransport,
			Err:  fmt.Errorf("registration lost: %d %s", state.StatusCode, state.Reason),
		})
	}
}

func (a *Agent) onConnectionError(err *transport.ConnectionError) {
	if a.closed.IsSet() || a.connected.IsNotSet() {
		return
	}
	a.connected.UnSet()
	a.emit(phone.Event{Kind: phone.EventTransport, Err: err})
}
