package phone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/gammazero/deque"
	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tevino/abool"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrCallInProgress = errors.New("call in progress")
	ErrEmptyNumber    = errors.New("empty number")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrClosed         = errors.New("phone closed")
)

const (
	DefaultDialTimeout = 30 * time.Second
	unknownCaller      = "Unknown"
	maxEarlyEvents     = 16
)

type Options struct {
	Dialer      Dialer
	Clock       clockwork.Clock
	Logger      log.Logger
	Observer    Observer
	DialTimeout time.Duration
}

// Phone is the call-session coordinator. All state is owned by one event
// loop goroutine; public methods post commands to it and readers see
// snapshots published after each command.
type Phone struct {
	dialer      Dialer
	clock       clockwork.Clock
	log         log.Logger
	observer    Observer
	dialTimeout time.Duration

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	closing sync.Once
	ctx     context.Context
	cancel  context.CancelFunc

	// loop-owned
	status     ConnectionStatus
	call       CurrentCall
	history    *deque.Deque[CallRecord]
	agent      Agent
	gen        uint64
	cancelDial context.CancelFunc
	session    Call
	early      []earlyEvent
	recordID   string
	outbound   bool
	callSeq    uint64
	curSeq     uint64
	tickStop   chan struct{}
	dirty      bool

	active *abool.AtomicBool

	snapMu sync.RWMutex
	snap   State
	subs   map[int]chan State
	subSeq int
}

// earlyEvent is a session state seen while the outbound Invite is pending.
type earlyEvent struct {
	call  Call
	state SessionState
}

func New(opts Options) *Phone {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Phone", nil)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	p := &Phone{
		dialer:      opts.Dialer,
		clock:       opts.Clock,
		log:         opts.Logger,
		observer:    opts.Observer,
		dialTimeout: opts.DialTimeout,
		cmds:        make(chan func()),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		status:      Disconnected,
		call:        idleCall(),
		history:     deque.New[CallRecord](),
		active:      abool.New(),
		subs:        make(map[int]chan State),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.snap = p.snapshot()
	go p.run()
	return p
}

func (p *Phone) Log() log.Logger {
	return p.log
}

func (p *Phone) run() {
	defer close(p.stopped)
	for {
		select {
		case fn := <-p.cmds:
			fn()
			p.flush()
		case <-p.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it, snapshot included.
func (p *Phone) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case p.cmds <- func() {
		fn()
		p.flush()
		close(done)
	}:
	case <-p.stopped:
		return false
	}
	<-done
	return true
}

// post queues fn from a worker goroutine.
func (p *Phone) post(fn func()) {
	select {
	case p.cmds <- fn:
	case <-p.stopped:
	}
}

// Readers.

func (p *Phone) State() State {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	st := p.snap
	st.History = append([]CallRecord(nil), p.snap.History...)
	return st
}

func (p *Phone) Status() ConnectionStatus {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.ConnectionStatus
}

func (p *Phone) CurrentCall() CurrentCall {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.CurrentCall
}

// History is newest first.
func (p *Phone) History() []CallRecord {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return append([]CallRecord(nil), p.snap.History...)
}

func (p *Phone) IsConnected() bool {
	return p.Status() == Connected
}

func (p *Phone) IsCallActive() bool {
	return p.active.IsSet()
}

// Subscribe delivers a State after every change. A slow reader only sees the
// latest one. cancel releases and closes the channel.
func (p *Phone) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	p.snapMu.Lock()
	p.subSeq++
	id := p.subSeq
	p.subs[id] = ch
	ch <- p.snap
	p.snapMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.snapMu.Lock()
			delete(p.subs, id)
			close(ch)
			p.snapMu.Unlock()
		})
	}
}

func (p *Phone) changed() {
	p.dirty = true
}

func (p *Phone) snapshot() State {
	hist := make([]CallRecord, p.history.Len())
	for i := range hist {
		hist[i] = p.history.At(i)
	}
	return State{
		ConnectionStatus: p.status,
		CurrentCall:      p.call,
		IsCallActive:     p.active.IsSet(),
		History:          hist,
	}
}

func (p *Phone) flush() {
	if !p.dirty {
		return
	}
	p.dirty = false
	st := p.snapshot()

	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	p.snap = st
	for _, ch := range p.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (p *Phone) setStatus(s ConnectionStatus) {
	if p.status == s {
		return
	}
	p.log.Infof("connection status %s -> %s", p.status, s)
	p.status = s
	p.changed()
	p.observer.StatusChanged(s)
}

// Connect tears down any previous agent and registers with cfg. The status
// is connecting when Connect returns; the outcome arrives asynchronously.
func (p *Phone) Connect(cfg account.Config) {
	p.do(func() {
		p.teardown()
		p.gen++
		gen := p.gen
		p.setStatus(Connecting)

		ep := account.ResolveEndpoint(cfg, p.log)
		p.log.Infof("connecting %s@%s", cfg.Username, ep)

		ctx, cancel := context.WithTimeout(p.ctx, p.dialTimeout)
		p.cancelDial = cancel
		dialer := p.dialer
		go func() {
			defer cancel()
			var agent Agent
			err := cfg.Validate()
			if err == nil {
				if dialer == nil {
					err = fmt.Errorf("no signaling dialer configured")
				} else {
					agent, err = dialer.Dial(ctx, cfg, ep)
				}
			}
			p.post(func() { p.onDialed(gen, agent, err) })
		}()
	})
}

func (p *Phone) onDialed(gen uint64, agent Agent, err error) {
	if gen != p.gen {
		if agent != nil {
			p.closeAgent(agent)
		}
		return
	}
	p.cancelDial = nil
	if err != nil {
		p.log.Errorf("connect failed: %v", err)
		if agent != nil {
			p.closeAgent(agent)
		}
		p.setStatus(StatusError)
		return
	}

	p.agent = agent
	p.setStatus(Connected)
	go p.pump(gen, agent)
}

func (p *Phone) pump(gen uint64, agent Agent) {
	for ev := range agent.Events() {
		ev := ev
		p.post(func() { p.onEvent(gen, ev) })
	}
	p.post(func() { p.onAgentGone(gen) })
}

func (p *Phone) onAgentGone(gen uint64) {
	if gen != p.gen || p.agent == nil {
		return
	}
	p.log.Warnf("signaling agent closed unexpectedly")
	p.endCall()
	p.agent = nil
	p.setStatus(StatusError)
}

// teardown ends the live call and releases the agent and any pending dial.
func (p *Phone) teardown() {
	p.hangupSession()
	p.endCall()
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	if p.agent != nil {
		p.closeAgent(p.agent)
		p.agent = nil
	}
}

func (p *Phone) closeAgent(agent Agent) {
	go func() {
		if err := agent.Close(); err != nil {
			p.log.Errorf("close signaling agent: %v", err)
		}
	}()
}

// Disconnect always succeeds. A connected call's duration is archived.
func (p *Phone) Disconnect() {
	p.do(func() {
		p.teardown()
		p.gen++
		p.setStatus(Disconnected)
	})
}

// MakeCall dials number. The call record is added before origination
// completes; an origination failure ends the call.
func (p *Phone) MakeCall(number string) error {
	err := ErrClosed
	p.do(func() {
		number = strings.TrimSpace(number)
		switch {
		case p.status != Connected || p.agent == nil:
			err = ErrNotConnected
			return
		case number == "":
			err = ErrEmptyNumber
			return
		case p.active.IsSet():
			err = ErrCallInProgress
			return
		}
		err = nil

		seq := p.beginCall(CurrentCall{
			Number:    number,
			Status:    CallCalling,
			StartTime: p.clock.Now(),
		}, nil, true)
		p.recordID = p.record(number, Outgoing)

		agent, gen := p.agent, p.gen
		go func() {
			call, err := agent.Invite(p.ctx, number)
			p.post(func() { p.onInvited(gen, seq, call, err) })
		}()
	})
	return err
}

func (p *Phone) onInvited(gen, seq uint64, call Call, err error) {
	if gen != p.gen || seq != p.curSeq {
		if call != nil {
			p.log.Debugf("call to %s finished dialing after hangup, canceling", call.Remote())
			go p.terminate(call.Cancel)
		}
		return
	}
	if err != nil {
		p.log.Errorf("make call failed: %v", err)
		p.endCall()
		return
	}
	p.session = call

	early := p.early
	p.early = nil
	for _, ev := range early {
		if ev.call.ID() == call.ID() {
			p.onSessionState(ev.call, ev.state)
		}
	}
}

// Hangup ends the current call with cancel, reject or bye depending on
// direction and state. It always returns to idle.
func (p *Phone) Hangup() {
	p.do(func() {
		p.hangupSession()
		p.endCall()
	})
}

func (p *Phone) hangupSession() {
	call := p.session
	if call == nil {
		return
	}
	switch {
	case call.Direction() == Outbound && p.call.Status != CallConnected:
		go p.terminate(call.Cancel)
	case call.Direction() == Inbound && p.call.Status == CallRinging:
		go p.terminate(call.Reject)
	default:
		go p.terminate(call.Bye)
	}
}

func (p *Phone) terminate(fn func() error) {
	if err := fn(); err != nil {
		p.log.Errorf("hangup: %v", err)
	}
}

// Answer accepts the ringing inbound call.
func (p *Phone) Answer() error {
	err := ErrClosed
	p.do(func() {
		call := p.session
		if call == nil || call.Direction() != Inbound || p.call.Status != CallRinging {
			err = ErrNoIncomingCall
			return
		}
		err = nil
		seq := p.curSeq
		go func() {
			if err := call.Accept(); err != nil {
				p.log.Errorf("answer: %v", err)
				p.post(func() {
					if seq == p.curSeq {
						p.endCall()
					}
				})
			}
		}()
	})
	return err
}

// TestConnection dials a throwaway agent for cfg, or checks the active one
// when cfg is nil. It never changes coordinator state.
func (p *Phone) TestConnection(ctx context.Context, cfg *account.Config) bool {
	if cfg == nil {
		var agent Agent
		p.do(func() { agent = p.agent })
		return agent != nil && agent.Connected()
	}
	if p.dialer == nil || cfg.Validate() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	agent, err := p.dialer.Dial(ctx, *cfg, account.ResolveEndpoint(*cfg, p.log))
	if err != nil {
		p.log.Warnf("test connection failed: %v", err)
		return false
	}
	if err := agent.Close(); err != nil {
		p.log.Errorf("close test agent: %v", err)
	}
	return true
}

// Close disconnects and stops the event loop.
func (p *Phone) Close() {
	p.closing.Do(func() {
		p.Disconnect()
		p.cancel()
		close(p.quit)
		<-p.stopped
	})
}

func (p *Phone) onEvent(gen uint64, ev Event) {
	if gen != p.gen {
		return
	}
	switch ev.Kind {
	case EventInvite:
		p.onIncoming(ev.Call)
	case EventSession:
		p.onSessionState(ev.Call, ev.State)
	case EventTransport:
		p.log.Errorf("signaling transport error: %v", ev.Err)
		p.hangupSession()
		p.endCall()
		p.setStatus(StatusError)
	}
}

func (p *Phone) onIncoming(call Call) {
	number := strings.TrimSpace(call.Remote())
	if number == "" {
		number = unknownCaller
	}

	if p.status != Connected || p.active.IsSet() {
		p.log.Infof("rejecting call from %s, line busy", number)
		go p.terminate(call.Reject)
		p.record(number, Missed)
		return
	}

	p.beginCall(CurrentCall{Number: number, Status: CallRinging}, call, false)
	p.recordID = p.record(number, Incoming)
}

func (p *Phone) onSessionState(call Call, state SessionState) {
	if call == nil {
		return
	}
	if p.session == nil {
		// Invite has not returned yet. Which call these belong to is only
		// known once it does.
		if p.outbound && p.curSeq != 0 && call.Direction() == Outbound && len(p.early) < maxEarlyEvents {
			p.early = append(p.early, earlyEvent{call: call, state: state})
		}
		return
	}
	if p.session.ID() != call.ID() {
		return
	}

	switch state {
	case SessionInitial:
	case SessionEstablishing:
		if p.call.Status != CallCalling {
			p.call.Status = CallCalling
			p.changed()
		}
	case SessionEstablished:
		p.call.Status = CallConnected
		p.call.StartTime = p.clock.Now()
		p.call.Duration = FormatDuration(0)
		p.changed()
		p.startTicker()
	case SessionTerminated:
		p.endCall()
	}
}

func (p *Phone) beginCall(c CurrentCall, session Call, outbound bool) uint64 {
	p.callSeq++
	p.curSeq = p.callSeq
	p.call = c
	p.session = session
	p.early = nil
	p.recordID = ""
	p.outbound = outbound
	p.active.Set()
	p.changed()
	return p.curSeq
}

func (p *Phone) record(number string, typ CallType) string {
	rec := CallRecord{
		ID:        uuid.NewString(),
		Number:    number,
		Type:      typ,
		Timestamp: p.clock.Now(),
	}
	p.history.PushFront(rec)
	p.changed()
	p.observer.CallRecorded(rec)
	return rec.ID
}

// endCall archives a connected call's duration and returns to idle.
func (p *Phone) endCall() {
	p.stopTicker()

	if p.call.Status == CallConnected {
		elapsed := p.clock.Since(p.call.StartTime)
		p.call.Duration = FormatDuration(elapsed)
		if rec, ok := p.patchDuration(p.recordID, p.call.Number, p.call.Duration); ok {
			p.observer.CallFinished(rec, elapsed.Seconds())
		}
	}

	if p.active.IsSet() || p.call.Status != CallIdle {
		p.changed()
	}
	p.call = idleCall()
	p.session = nil
	p.early = nil
	p.recordID = ""
	p.outbound = false
	p.curSeq = 0
	p.active.UnSet()
}

// patchDuration sets the duration of the call's own record, or of the newest
// answered or dialed record for number when id is unknown.
func (p *Phone) patchDuration(id, number, duration string) (CallRecord, bool) {
	i := -1
	if id != "" {
		i = p.history.Index(func(r CallRecord) bool { return r.ID == id })
	}
	if i < 0 {
		i = p.history.Index(func(r CallRecord) bool { return r.Number == number && r.Type != Missed })
	}
	if i < 0 {
		return CallRecord{}, false
	}
	rec := p.history.At(i)
	rec.Duration = duration
	p.history.Set(i, rec)
	p.changed()
	return rec, true
}

func (p *Phone) startTicker() {
	p.stopTicker()
	ticker := p.clock.NewTicker(time.Second)
	stop := make(chan struct{})
	p.tickStop = stop
	seq := p.curSeq

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				p.post(func() { p.onTick(seq) })
			case <-stop:
				return
			}
		}
	}()
}

func (p *Phone) stopTicker() {
	if p.tickStop != nil {
		close(p.tickStop)
		p.tickStop = nil
	}
}

func (p *Phone) onTick(seq uint64) {
	if seq != p.curSeq || p.call.Status != CallConnected {
		return
	}
	d := FormatDuration(p.clock.Since(p.call.StartTime))
	if d != p.call.Duration {
		p.call.Duration = d
		p.changed()
	}
}
