package phone

import (
	"fmt"
	"time"
)

// ConnectionStatus is the registration state of the softphone.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	StatusError  ConnectionStatus = "error"
)

// AllStatuses lists every ConnectionStatus, for gauges.
var AllStatuses = []ConnectionStatus{Disconnected, Connecting, Connected, StatusError}

type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallCalling   CallStatus = "calling"
	CallConnected CallStatus = "connected"
	CallRinging   CallStatus = "ringing"
)

type CallType string

const (
	Incoming CallType = "incoming"
	Outgoing CallType = "outgoing"
	Missed   CallType = "missed"
)

// CurrentCall is the single live call. Number and Duration are empty when
// Status is idle.
type CurrentCall struct {
	Number    string     `json:"number"`
	Status    CallStatus `json:"status"`
	StartTime time.Time  `json:"startTime,omitempty"`
	Duration  string     `json:"duration,omitempty"`
}

func idleCall() CurrentCall {
	return CurrentCall{Status: CallIdle}
}

// CallRecord is one history entry.
type CallRecord struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	Type      CallType  `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Duration  string    `json:"duration,omitempty"`
}

// State is a point-in-time copy of everything the coordinator owns.
type State struct {
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	CurrentCall      CurrentCall      `json:"currentCall"`
	IsCallActive     bool             `json:"isCallActive"`
	History          []CallRecord     `json:"callHistory"`
}

// FormatDuration renders d as zero-padded MM:SS. Minutes are not capped.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
