package ua

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/session"
	"github.com/cloudwebrtc/go-sip-phone/pkg/stack"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
)

// maxAuthAttempts bounds digest retries for one request.
const maxAuthAttempts = 2

// InviteSessionHandler is called on every session status change.
type InviteSessionHandler func(s *session.Session, req *sip.Request, resp *sip.Response, status session.Status)

type UserAgentConfig struct {
	SipStack *stack.SipStack
}

//UserAgent .
type UserAgent struct {
	InviteStateHandler   InviteSessionHandler
	RegisterStateHandler account.RegisterHandler
	config               *UserAgentConfig
	issLock              sync.RWMutex
	iss                  map[sip.CallID]*session.Session
	log                  log.Logger
}

//NewUserAgent .
func NewUserAgent(config *UserAgentConfig) *UserAgent {
	ua := &UserAgent{
		config: config,
		iss:    make(map[sip.CallID]*session.Session),
		log:    config.SipStack.Log().WithPrefix("UserAgent"),
	}
	s := config.SipStack
	s.OnRequest(sip.INVITE, ua.handleInvite)
	s.OnRequest(sip.ACK, ua.handleACK)
	s.OnRequest(sip.BYE, ua.handleBye)
	s.OnRequest(sip.CANCEL, ua.handleCancel)
	s.OnRequest(sip.OPTIONS, ua.handleOptions)
	return ua
}

func (ua *UserAgent) Log() log.Logger {
	return ua.log
}

// Sessions returns the live sessions.
func (ua *UserAgent) Sessions() []*session.Session {
	ua.issLock.RLock()
	defer ua.issLock.RUnlock()
	out := make([]*session.Session, 0, len(ua.iss))
	for _, is := range ua.iss {
		out = append(out, is)
	}
	return out
}

func (ua *UserAgent) lookup(callID sip.CallID) (*session.Session, bool) {
	ua.issLock.RLock()
	defer ua.issLock.RUnlock()
	is, ok := ua.iss[callID]
	return is, ok
}

func (ua *UserAgent) store(is *session.Session) {
	ua.issLock.Lock()
	ua.iss[*is.CallID()] = is
	ua.issLock.Unlock()
}

func (ua *UserAgent) remove(callID sip.CallID) {
	ua.issLock.Lock()
	delete(ua.iss, callID)
	ua.issLock.Unlock()
}

func (ua *UserAgent) handleInviteState(is *session.Session, request *sip.Request, response *sip.Response, status session.Status, tx *sip.Transaction) {
	if request != nil && *request != nil && (*request).IsInvite() {
		is.StoreRequest(*request)
	}
	if response != nil && *response != nil {
		is.StoreResponse(*response)
	}
	if tx != nil {
		is.StoreTransaction(*tx)
	}

	is.SetState(status)
	if status.Ended() {
		ua.remove(*is.CallID())
	}

	if ua.InviteStateHandler != nil {
		ua.InviteStateHandler(is, request, response, status)
	}
}

func (ua *UserAgent) buildRequest(
	method sip.RequestMethod,
	from *sip.Address,
	to *sip.Address,
	contact *sip.Address,
	recipient sip.SipUri,
	callID *sip.CallID) (*sip.Request, error) {

	builder := sip.NewRequestBuilder()
	builder.SetMethod(method)
	builder.SetFrom(from)
	builder.SetTo(to)
	builder.SetContact(contact)
	builder.SetRecipient(recipient.Clone())
	builder.AddVia(ua.buildViaHopHeader(recipient))
	if callID != nil {
		builder.SetCallID(callID)
	}
	userAgent := sip.UserAgentHeader(ua.config.SipStack.UserAgent())
	builder.SetUserAgent(&userAgent)

	req, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}

	ua.Log().Debugf("buildRequest %s => %v", method, req)
	return &req, nil
}

func transportOf(uri sip.SipUri) string {
	if nt, ok := uri.UriParams().Get("transport"); ok && nt != nil {
		return strings.ToUpper(nt.String())
	}
	return "UDP"
}

func (ua *UserAgent) buildViaHopHeader(target sip.SipUri) *sip.ViaHop {
	protocol := transportOf(target)
	netinfo := ua.config.SipStack.GetNetworkInfo(protocol)

	host := netinfo.Host
	if net.ParseIP(target.Host()).IsLoopback() {
		host = "127.0.0.1"
	}

	return &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       protocol,
		Host:            host,
		Port:            netinfo.Port,
		Params:          sip.NewParams().Add("branch", sip.String{Str: sip.GenerateBranch()}),
	}
}

// buildContact points the profile contact at the local listener for the
// transport used to reach target.
func (ua *UserAgent) buildContact(profile *account.Profile, target sip.SipUri) *sip.Address {
	protocol := transportOf(target)
	netinfo := ua.config.SipStack.GetNetworkInfo(protocol)

	host := netinfo.Host
	if net.ParseIP(target.Host()).IsLoopback() {
		host = "127.0.0.1"
	}

	contact := profile.Contact()
	uri := &sip.SipUri{
		FUser:      profile.URI.User(),
		FHost:      host,
		FPort:      netinfo.Port,
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: strings.ToLower(protocol)}),
	}
	contact.Uri = uri
	return contact
}

// Invite sends an INVITE to target and returns once the request is on the
// wire. Progress is reported through InviteStateHandler.
func (ua *UserAgent) Invite(ctx context.Context, profile *account.Profile, target sip.SipUri, body string) (*session.Session, error) {
	from := &sip.Address{
		DisplayName: sip.String{Str: profile.DisplayName},
		Uri:         profile.URI,
		Params:      sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)}),
	}
	to := &sip.Address{Uri: target.Clone()}
	contact := ua.buildContact(profile, target)

	request, err := ua.buildRequest(sip.INVITE, from, to, contact, target, nil)
	if err != nil {
		return nil, err
	}
	if body != "" {
		contentType := sip.ContentType("application/sdp")
		(*request).AppendHeader(&contentType)
		(*request).SetBody(body, true)
	}

	var authorizer sip.Authorizer
	if profile.Auth != nil {
		authorizer = newAuthorizer(profile.Auth)
	}

	if _, err := ua.RequestWithContext(ctx, *request, authorizer, false, 1); err != nil {
		return nil, err
	}

	callID, _ := (*request).CallID()
	is, ok := ua.lookup(*callID)
	if !ok {
		return nil, fmt.Errorf("invite %s: session ended before it started", target.String())
	}
	return is, nil
}

func (ua *UserAgent) handleBye(request sip.Request, tx sip.ServerTransaction) {
	ua.Log().Infof("handleBye: Request => %s", request.Short())
	response := sip.NewResponseFromRequest(request.MessageID(), request, 200, "OK", "")

	if callID, ok := request.CallID(); ok {
		if is, found := ua.lookup(*callID); found {
			ua.handleInviteState(is, &request, nil, session.Terminated, nil)
		}
	}

	if err := tx.Respond(response); err != nil {
		ua.Log().Errorf("respond to BYE failed: %v", err)
	}
}

func (ua *UserAgent) handleCancel(request sip.Request, tx sip.ServerTransaction) {
	ua.Log().Infof("handleCancel: Request => %s", request.Short())
	response := sip.NewResponseFromRequest(request.MessageID(), request, 200, "OK", "")
	if err := tx.Respond(response); err != nil {
		ua.Log().Errorf("respond to CANCEL failed: %v", err)
	}
}

func (ua *UserAgent) handleOptions(request sip.Request, tx sip.ServerTransaction) {
	response := sip.NewResponseFromRequest(request.MessageID(), request, 200, "OK", "")
	if err := tx.Respond(response); err != nil {
		ua.Log().Errorf("respond to OPTIONS failed: %v", err)
	}
}

func (ua *UserAgent) handleACK(request sip.Request, tx sip.ServerTransaction) {
	ua.Log().Debugf("handleACK => %s", request.Short())
	if callID, ok := request.CallID(); ok {
		if is, found := ua.lookup(*callID); found && is.Status() == session.WaitingForACK {
			ua.handleInviteState(is, &request, nil, session.Confirmed, nil)
		}
	}
}

func (ua *UserAgent) handleInvite(request sip.Request, tx sip.ServerTransaction) {
	callID, ok := request.CallID()
	if !ok {
		return
	}

	transaction := sip.Transaction(tx)
	if is, found := ua.lookup(*callID); found {
		ua.handleInviteState(is, &request, nil, session.ReInviteReceived, &transaction)
		return
	}

	contact, _ := request.Contact()
	is := session.NewInviteSession(ua.RequestWithContext, contact, request, *callID, transaction, session.Incoming, ua.Log())
	ua.store(is)
	ua.handleInviteState(is, &request, nil, session.InviteReceived, &transaction)

	go func() {
		cancel, ok := <-tx.Cancels()
		if !ok || cancel == nil {
			return
		}
		ua.Log().Infof("INVITE canceled => %s", cancel.Short())
		if is.Status().InProgress() {
			response := sip.NewResponseFromRequest(request.MessageID(), request, 487, "Request Terminated", "")
			if err := tx.Respond(response); err != nil {
				ua.Log().Errorf("respond 487 failed: %v", err)
			}
			ua.handleInviteState(is, &cancel, &response, session.Canceled, nil)
		}
	}()
}

// RequestWithContext sends request in a new client transaction, answering one
// digest challenge when an authorizer is given. With waitForResult false it
// returns as soon as the request is sent.
func (ua *UserAgent) RequestWithContext(ctx context.Context, request sip.Request, authorizer sip.Authorizer, waitForResult bool, attempt int) (sip.Response, error) {
	s := ua.config.SipStack
	tx, err := s.Request(sip.CopyRequest(request))
	if err != nil {
		return nil, err
	}

	if request.IsInvite() {
		if callID, ok := request.CallID(); ok {
			transaction := sip.Transaction(tx)
			if is, found := ua.lookup(*callID); found {
				is.StoreRequest(request)
				is.StoreTransaction(transaction)
			} else {
				contact, _ := request.Contact()
				is := session.NewInviteSession(ua.RequestWithContext, contact, request, *callID, transaction, session.Outgoing, ua.Log())
				ua.store(is)
				ua.handleInviteState(is, &request, nil, session.InviteSent, &transaction)
			}
		}
	}

	type result struct {
		response sip.Response
		err      error
	}
	done := make(chan result, 1)

	go func() {
		resp, err := ua.collect(ctx, tx, request, authorizer, attempt)
		ua.finish(request, resp, err)
		done <- result{resp, err}
	}()

	if !waitForResult {
		return nil, nil
	}
	r := <-done
	return r.response, r.err
}

func (ua *UserAgent) collect(ctx context.Context, tx sip.ClientTransaction, request sip.Request, authorizer sip.Authorizer, attempt int) (sip.Response, error) {
	s := ua.config.SipStack
	var lastResponse sip.Response
	previousResponses := make([]sip.Response, 0)
	seen := make(map[sip.StatusCode]bool)

	terminated := func() error {
		if lastResponse != nil {
			lastResponse.SetPrevious(previousResponses)
		}
		return sip.NewRequestError(487, "Request Terminated", request, lastResponse)
	}

	for {
		select {
		case <-ctx.Done():
			if lastResponse != nil && lastResponse.IsProvisional() {
				s.CancelRequest(request, lastResponse)
			}
			// drain the transaction
			go func() {
				for {
					select {
					case <-tx.Done():
						return
					case <-tx.Errors():
					case <-tx.Responses():
					}
				}
			}()
			return nil, terminated()
		case err, ok := <-tx.Errors():
			if !ok {
				return nil, terminated()
			}
			return nil, err
		case response, ok := <-tx.Responses():
			if !ok {
				return nil, terminated()
			}
			response = sip.CopyResponse(response)
			lastResponse = response

			if response.IsProvisional() {
				if !seen[response.StatusCode()] {
					seen[response.StatusCode()] = true
					previousResponses = append(previousResponses, response)
				}
				ua.handleProvisional(request, response)
				continue
			}

			if response.IsSuccess() {
				response.SetPrevious(previousResponses)
				if request.IsInvite() {
					s.AckInviteRequest(request, response)
					s.RememberInviteRequest(request)
					go func() {
						for response := range tx.Responses() {
							s.AckInviteRequest(request, response)
						}
					}()
				}
				return response, nil
			}

			code := response.StatusCode()
			if (code == 401 || code == 407) && authorizer != nil && attempt < maxAuthAttempts {
				if err := authorizer.AuthorizeRequest(request, response); err != nil {
					return nil, err
				}
				return ua.RequestWithContext(ctx, request, authorizer, true, attempt+1)
			}

			response.SetPrevious(previousResponses)
			return nil, sip.NewRequestError(uint(code), response.Reason(), request, response)
		}
	}
}

func (ua *UserAgent) handleProvisional(request sip.Request, response sip.Response) {
	callID, ok := response.CallID()
	if !ok {
		return
	}
	is, found := ua.lookup(*callID)
	if !found {
		return
	}
	ua.handleInviteState(is, &request, &response, session.Provisional, nil)
	if len(response.Body()) > 0 {
		ua.handleInviteState(is, &request, &response, session.EarlyMedia, nil)
	}
}

// finish reports the final INVITE outcome. Retried requests report once,
// from the innermost attempt.
func (ua *UserAgent) finish(request sip.Request, response sip.Response, err error) {
	if !request.IsInvite() {
		return
	}
	callID, ok := request.CallID()
	if !ok {
		return
	}
	is, found := ua.lookup(*callID)
	if !found {
		return
	}
	if err != nil {
		var resp sip.Response
		if reqErr, ok := err.(*sip.RequestError); ok {
			resp = reqErr.Response
		}
		ua.handleInviteState(is, &request, &resp, session.Failure, nil)
		return
	}
	if response != nil && is.Status().InProgress() {
		ua.handleInviteState(is, &request, &response, session.Confirmed, nil)
	}
}

// Shutdown ends live sessions and stops the stack.
func (ua *UserAgent) Shutdown() {
	for _, is := range ua.Sessions() {
		if err := is.End(); err != nil {
			ua.Log().Debugf("end session %s: %v", is.ID(), err)
		}
	}
	ua.config.SipStack.Shutdown()
}
