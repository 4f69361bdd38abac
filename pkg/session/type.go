package session

const (
	MaxForwards = 70
)

type Status string

const (
	InviteSent       Status = "InviteSent"       // INVITE sent
	InviteReceived   Status = "InviteReceived"   // INVITE received
	ReInviteReceived Status = "ReInviteReceived" // re-INVITE received in a dialog
	Provisional      Status = "Provisional"      // 1xx received
	EarlyMedia       Status = "EarlyMedia"       // 1xx with sdp received
	WaitingForAnswer Status = "WaitingForAnswer"
	WaitingForACK    Status = "WaitingForACK" // 2xx sent, ACK pending
	Answered         Status = "Answered"
	Canceled         Status = "Canceled"
	Confirmed        Status = "Confirmed"  // ACK sent or received
	Failure          Status = "Failure"    // rejected or failed before 2xx
	Terminated       Status = "Terminated" // BYE sent or received
)

// InProgress reports a dialog that has not been answered yet.
func (s Status) InProgress() bool {
	switch s {
	case InviteSent, Provisional, EarlyMedia, InviteReceived, WaitingForAnswer:
		return true
	}
	return false
}

func (s Status) Established() bool {
	switch s {
	case Answered, WaitingForACK, Confirmed:
		return true
	}
	return false
}

func (s Status) Ended() bool {
	switch s {
	case Failure, Canceled, Terminated:
		return true
	}
	return false
}

type Direction string

const (
	Outgoing Direction = "Outgoing"
	Incoming Direction = "Incoming"
)

type uaRole string

const (
	uac uaRole = "UAC"
	uas uaRole = "UAS"
)
