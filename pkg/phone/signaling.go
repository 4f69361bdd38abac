package phone

import (
	"context"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// SessionState is the coarse session lifecycle the coordinator reacts to.
type SessionState string

const (
	SessionInitial      SessionState = "initial"
	SessionEstablishing SessionState = "establishing"
	SessionEstablished  SessionState = "established"
	SessionTerminated   SessionState = "terminated"
)

type EventKind int

const (
	// EventInvite is a new inbound call.
	EventInvite EventKind = iota
	// EventSession is a state change of an existing call.
	EventSession
	// EventTransport reports that the agent lost its connection.
	EventTransport
)

type Event struct {
	Kind  EventKind
	Call  Call
	State SessionState
	Err   error
}

// Dialer creates a registered signaling agent.
type Dialer interface {
	Dial(ctx context.Context, cfg account.Config, ep account.Endpoint) (Agent, error)
}

// Agent is one registered signaling connection. Events is closed after Close.
type Agent interface {
	Events() <-chan Event
	Invite(ctx context.Context, number string) (Call, error)
	Connected() bool
	Close() error
}

// Call is a signaling session handle.
type Call interface {
	ID() string
	Remote() string
	Direction() Direction
	Accept() error
	Cancel() error
	Reject() error
	Bye() error
}

// Observer is notified from the event loop and must not block.
type Observer interface {
	StatusChanged(status ConnectionStatus)
	CallRecorded(rec CallRecord)
	CallFinished(rec CallRecord, duration float64)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(ConnectionStatus) {
}

func (nopObserver) CallRecorded(CallRecord) {
}

func (nopObserver) CallFinished(CallRecord, float64) {
}
