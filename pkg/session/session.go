package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
)

var (
	ErrEnded       = errors.New("session already ended")
	ErrWrongStatus = errors.New("operation not allowed in current session status")
	ErrNoAnswer    = errors.New("answer sdp is empty")
)

// RequestCallback sends an in-dialog request. It is provided by the user agent.
type RequestCallback func(ctx context.Context, request sip.Request, authorizer sip.Authorizer, waitForResult bool, attempt int) (sip.Response, error)

// Session is one INVITE dialog, either side.
type Session struct {
	lock         sync.Mutex
	requestCb    RequestCallback
	status       Status
	callID       sip.CallID
	offer        string
	answer       string
	request      sip.Request
	response     sip.Response
	transaction  sip.Transaction
	direction    Direction
	role         uaRole
	contact      *sip.ContactHeader
	localURI     sip.Address
	remoteURI    sip.Address
	remoteTarget sip.Uri
	userData     interface{}
	logger       log.Logger
}

// NewInviteSession creates the dialog for req. For an incoming INVITE the To
// header gets a local tag.
func NewInviteSession(reqcb RequestCallback, contact *sip.ContactHeader, req sip.Request, cid sip.CallID,
	tx sip.Transaction, dir Direction, logger log.Logger) *Session {
	s := &Session{
		requestCb:   reqcb,
		callID:      cid,
		transaction: tx,
		direction:   dir,
		contact:     contact,
		request:     req,
		offer:       req.Body(),
	}
	if logger == nil {
		logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Session", nil)
	}
	s.logger = logger.WithFields(log.Fields{"call_id": string(cid)})

	to, _ := req.To()
	from, _ := req.From()

	if dir == Incoming {
		s.role = uas
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if !to.Params.Has("tag") {
			to.Params.Add("tag", sip.String{Str: util.RandString(8)})
			req.RemoveHeader("To")
			req.AppendHeader(to)
		}
		s.localURI = sip.Address{Uri: to.Address, Params: to.Params}
		s.remoteURI = sip.Address{DisplayName: from.DisplayName, Uri: from.Address, Params: from.Params}
		if c, ok := req.Contact(); ok {
			s.remoteTarget = c.Address
		} else {
			s.remoteTarget = from.Address
		}
	} else {
		s.role = uac
		s.localURI = sip.Address{Uri: from.Address, Params: from.Params}
		s.remoteURI = sip.Address{Uri: to.Address, Params: to.Params}
		s.remoteTarget = req.Recipient()
	}
	return s
}

func (s *Session) Log() log.Logger {
	return s.logger
}

func (s *Session) String() string {
	return "Local: " + s.localURI.String() + ", Remote: " + s.remoteURI.String()
}

// ID is the dialog Call-ID.
func (s *Session) ID() string {
	return string(s.callID)
}

func (s *Session) CallID() *sip.CallID {
	return &s.callID
}

// RemoteUser is the user part of the remote party, or its display name when
// the URI carries no user.
func (s *Session) RemoteUser() string {
	if s.remoteURI.Uri != nil {
		if user := s.remoteURI.Uri.User(); user != nil && user.String() != "" {
			return user.String()
		}
	}
	if s.remoteURI.DisplayName != nil {
		return s.remoteURI.DisplayName.String()
	}
	return ""
}

func (s *Session) LocalSdp() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.role == uac {
		return s.offer
	}
	return s.answer
}

func (s *Session) RemoteSdp() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.role == uas {
		return s.offer
	}
	return s.answer
}

func (s *Session) Request() sip.Request {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.request
}

func (s *Session) Response() sip.Response {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.response
}

// StoreRequest replaces the INVITE, used after an authenticated resend.
func (s *Session) StoreRequest(request sip.Request) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.request = request
}

// StoreResponse keeps the last response and, on the UAC side, the remote tag
// and answer sdp.
func (s *Session) StoreResponse(response sip.Response) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.role == uac {
		if to, ok := response.To(); ok && to.Params != nil && to.Params.Has("tag") {
			s.remoteURI = sip.Address{Uri: to.Address, Params: to.Params}
		}
		if sdp := response.Body(); len(sdp) > 0 {
			s.answer = sdp
		}
		if contact, ok := response.Contact(); ok && response.IsSuccess() {
			s.remoteTarget = contact.Address
		}
	}
	s.response = response
}

func (s *Session) StoreTransaction(tx sip.Transaction) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.transaction = tx
}

func (s *Session) SetState(status Status) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.status = status
}

func (s *Session) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

func (s *Session) Direction() Direction {
	return s.direction
}

// SetUserData attaches caller-owned state, such as the call's media stream.
func (s *Session) SetUserData(v interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.userData = v
}

func (s *Session) UserData() interface{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.userData
}

//ProvideOffer .
func (s *Session) ProvideOffer(sdp string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.offer = sdp
}

// ProvideAnswer .
func (s *Session) ProvideAnswer(sdp string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.answer = sdp
}

// Bye ends an established dialog.
func (s *Session) Bye() error {
	if !s.Status().Established() {
		return fmt.Errorf("bye in %s: %w", s.Status(), ErrWrongStatus)
	}
	req := s.makeRequest(sip.BYE)
	if _, err := s.sendRequest(req); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	s.SetState(Terminated)
	return nil
}

// Cancel abandons an outgoing INVITE that has no final response yet.
func (s *Session) Cancel() error {
	if s.role != uac || !s.Status().InProgress() {
		return fmt.Errorf("cancel in %s: %w", s.Status(), ErrWrongStatus)
	}
	s.lock.Lock()
	tx, ok := s.transaction.(sip.ClientTransaction)
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("cancel: no client transaction: %w", ErrWrongStatus)
	}
	if err := tx.Cancel(); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	s.SetState(Canceled)
	return nil
}

// Reject answers an incoming INVITE with a final error response.
func (s *Session) Reject(statusCode sip.StatusCode, reason string) error {
	if s.role != uas || !s.Status().InProgress() {
		return fmt.Errorf("reject in %s: %w", s.Status(), ErrWrongStatus)
	}
	s.lock.Lock()
	tx, ok := s.transaction.(sip.ServerTransaction)
	request := s.request
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("reject: no server transaction: %w", ErrWrongStatus)
	}

	s.Log().Debugf("reject %s with %d %s", request.Short(), statusCode, reason)
	response := sip.NewResponseFromRequest(request.MessageID(), request, statusCode, reason, "")
	response.AppendHeader(s.localURI.AsContactHeader())
	if err := tx.Respond(response); err != nil {
		return fmt.Errorf("respond %d: %w", statusCode, err)
	}
	s.StoreResponse(response)
	s.SetState(Failure)
	return nil
}

// Accept answers an incoming INVITE with 200 and the provided answer sdp.
func (s *Session) Accept(statusCode sip.StatusCode) error {
	if s.role != uas || !s.Status().InProgress() {
		return fmt.Errorf("accept in %s: %w", s.Status(), ErrWrongStatus)
	}
	s.lock.Lock()
	tx, ok := s.transaction.(sip.ServerTransaction)
	request := s.request
	answer := s.answer
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("accept: no server transaction: %w", ErrWrongStatus)
	}
	if answer == "" {
		return ErrNoAnswer
	}

	response := sip.NewResponseFromRequest(request.MessageID(), request, statusCode, "OK", "")
	contentType := sip.ContentType("application/sdp")
	response.AppendHeader(&contentType)
	response.AppendHeader(s.contactOrLocal())
	response.SetBody(answer, true)

	if err := tx.Respond(response); err != nil {
		return fmt.Errorf("respond %d: %w", statusCode, err)
	}
	s.lock.Lock()
	s.response = response
	s.lock.Unlock()
	s.SetState(WaitingForACK)
	return nil
}

// Provisional sends 180 Ringing, 183 or similar.
func (s *Session) Provisional(statusCode sip.StatusCode, reason string) error {
	s.lock.Lock()
	tx, ok := s.transaction.(sip.ServerTransaction)
	request := s.request
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("provisional: no server transaction: %w", ErrWrongStatus)
	}
	response := sip.NewResponseFromRequest(request.MessageID(), request, statusCode, reason, "")
	response.AppendHeader(s.contactOrLocal())
	return tx.Respond(response)
}

// End terminates the session with whatever the current status allows:
// CANCEL before an answer on the UAC side, 603 on the UAS side, BYE once
// established.
func (s *Session) End() error {
	status := s.Status()
	switch {
	case status.Ended():
		return ErrEnded
	case status.InProgress() && s.role == uac:
		s.Log().Info("canceling session")
		return s.Cancel()
	case status.InProgress():
		s.Log().Info("rejecting session")
		return s.Reject(603, "Decline")
	case status.Established():
		s.Log().Info("terminating session")
		return s.Bye()
	}
	return fmt.Errorf("end in %s: %w", status, ErrWrongStatus)
}

func (s *Session) contactOrLocal() sip.Header {
	if s.contact != nil {
		return s.contact.Clone()
	}
	return s.localURI.AsContactHeader()
}

func (s *Session) sendRequest(req sip.Request) (sip.Response, error) {
	s.Log().Debugf("%s send request: %v", s.role, req.Method())
	return s.requestCb(context.TODO(), req, nil, false, 1)
}

func (s *Session) makeRequest(method sip.RequestMethod) sip.Request {
	s.lock.Lock()
	defer s.lock.Unlock()

	inviteRequest := s.request
	newRequest := sip.NewRequest(
		"",
		method,
		s.remoteTarget,
		inviteRequest.SipVersion(),
		[]sip.Header{},
		"",
		inviteRequest.Fields().
			WithFields(log.Fields{
				"invite_request_id": inviteRequest.MessageID(),
			}),
	)

	if s.role == uac {
		newRequest.AppendHeader(s.localURI.Clone().AsFromHeader())
		newRequest.AppendHeader(s.remoteURI.Clone().AsToHeader())
		sip.CopyHeaders("Route", inviteRequest, newRequest)
	} else {
		// Our side is the To of the original INVITE.
		newRequest.AppendHeader(s.localURI.Clone().AsFromHeader())
		newRequest.AppendHeader(s.remoteURI.Clone().AsToHeader())
		if s.response != nil {
			sip.CopyHeaders("Record-Route", s.response, newRequest)
			newRequest.SetDestination(inviteRequest.Source())
		}
	}
	if s.contact != nil {
		newRequest.AppendHeader(s.contact.Clone())
	}

	maxForwards := sip.MaxForwards(MaxForwards)
	newRequest.AppendHeader(&maxForwards)
	callID := s.callID
	newRequest.AppendHeader(&callID)

	seq := uint32(1)
	if cseq, ok := inviteRequest.CSeq(); ok {
		seq = cseq.SeqNo + 1
	}
	newRequest.AppendHeader(&sip.CSeq{SeqNo: seq, MethodName: method})

	return newRequest
}
