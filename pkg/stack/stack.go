package stack

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/transaction"
	"github.com/ghettovoice/gosip/transport"
	"github.com/ghettovoice/gosip/util"
	"github.com/tevino/abool"
)

const (
	// DefaultUserAgent .
	DefaultUserAgent = "go-sip-phone/1.0"
)

var ErrStopped = fmt.Errorf("sip stack stopped")

// RequestHandler is called for incoming requests of one method.
// tx is nil for 2xx ACKs.
type RequestHandler func(req sip.Request, tx sip.ServerTransaction)

// Config describes the local side of the stack.
type Config struct {
	// Host is the advertised address. Resolved from the local interfaces when empty.
	Host string
	// Dns is an optional resolver address used for SRV lookups.
	Dns        string
	UserAgent  string
	Extensions []string
	MsgMapper  sip.MessageMapper
}

// SipStack owns the gosip transport and transaction layers and routes
// incoming requests to registered handlers.
type SipStack struct {
	listenPorts     map[string]*sip.Port
	tp              transport.Layer
	tx              transaction.Layer
	host            string
	ip              net.IP
	userAgent       string
	stopped         *abool.AtomicBool
	hwg             sync.WaitGroup
	hmu             sync.RWMutex
	requestHandlers map[sip.RequestMethod]RequestHandler
	onConnError     func(err *transport.ConnectionError)
	extensions      []string
	invites         map[transaction.TxKey]sip.Request
	invitesLock     sync.RWMutex
	log             log.Logger
}

// NewSipStack creates the stack and starts its dispatch loop.
func NewSipStack(config *Config, logger log.Logger) (*SipStack, error) {
	if config == nil {
		config = &Config{}
	}
	logger = logger.WithPrefix("SipStack")

	host := config.Host
	var ip net.IP
	if host != "" {
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve host %s: %w", host, err)
		}
		ip = addr.IP
	} else {
		v, err := util.ResolveSelfIP()
		if err != nil {
			return nil, fmt.Errorf("resolve self ip: %w", err)
		}
		ip = v
		host = v.String()
	}

	dnsResolver := net.DefaultResolver
	if config.Dns != "" {
		dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", config.Dns)
			},
		}
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	s := &SipStack{
		listenPorts:     make(map[string]*sip.Port),
		host:            host,
		ip:              ip,
		userAgent:       userAgent,
		stopped:         abool.New(),
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		extensions:      config.Extensions,
		invites:         make(map[transaction.TxKey]sip.Request),
	}
	s.log = logger.WithFields(log.Fields{
		"sip_stack_ptr": fmt.Sprintf("%p", s),
	})

	s.tp = transport.NewLayer(ip, dnsResolver, config.MsgMapper, logger.WithPrefix("transport.Layer"))
	s.tx = transaction.NewLayer(&sipTransport{tpl: s.tp, s: s}, logger.WithPrefix("transaction.Layer"))
	go s.serve()

	return s, nil
}

// Log .
func (s *SipStack) Log() log.Logger {
	return s.log
}

// Host is the advertised local address.
func (s *SipStack) Host() string {
	return s.host
}

// UserAgent is the User-Agent header value sent on every message.
func (s *SipStack) UserAgent() string {
	return s.userAgent
}

// ListenTLS starts a listener. options is only used by TLS and WSS.
func (s *SipStack) ListenTLS(protocol string, listenAddr string, options *transport.TLSConfig) error {
	network := strings.ToUpper(protocol)
	var err error
	if options != nil {
		err = s.tp.Listen(network, listenAddr, options)
	} else {
		err = s.tp.Listen(network, listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, listenAddr, err)
	}

	target, err := transport.NewTargetFromAddr(listenAddr)
	if err != nil {
		return err
	}
	target = transport.FillTargetHostAndPort(network, target)
	s.hmu.Lock()
	if _, ok := s.listenPorts[network]; !ok {
		s.listenPorts[network] = target.Port
	}
	s.hmu.Unlock()
	return nil
}

func (s *SipStack) Listen(protocol string, listenAddr string) error {
	return s.ListenTLS(protocol, listenAddr, nil)
}

func (s *SipStack) serve() {
	defer s.Shutdown()

	for {
		select {
		case tx, ok := <-s.tx.Requests():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleRequest(tx.Origin(), tx)
		case ack, ok := <-s.tx.Acks():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleRequest(ack, nil)
		case response, ok := <-s.tx.Responses():
			if !ok {
				return
			}
			s.Log().WithFields(map[string]interface{}{
				"sip_response": response.Short(),
			}).Warn("received not matched response")
			// Retransmitted 2xx for an INVITE we already acked.
			if key, err := transaction.MakeClientTxKey(response); err == nil {
				s.invitesLock.RLock()
				inviteRequest, ok := s.invites[key]
				s.invitesLock.RUnlock()
				if ok {
					go s.AckInviteRequest(inviteRequest, response)
				}
			}
		case err, ok := <-s.tx.Errors():
			if !ok {
				return
			}
			s.Log().Errorf("received SIP transaction error: %s", err)
		case err, ok := <-s.tp.Errors():
			if !ok {
				return
			}
			s.Log().Errorf("received SIP transport error: %s", err)

			if connError, ok := err.(*transport.ConnectionError); ok {
				s.hmu.RLock()
				handler := s.onConnError
				s.hmu.RUnlock()
				if handler != nil {
					handler(connError)
				}
			}
		}
	}
}

func (s *SipStack) handleRequest(req sip.Request, tx sip.ServerTransaction) {
	defer s.hwg.Done()

	logger := s.Log().WithFields(req.Fields())
	logger.Debugf("routing incoming SIP request...")

	s.hmu.RLock()
	handler, ok := s.requestHandlers[req.Method()]
	s.hmu.RUnlock()

	if !ok {
		logger.Warnf("SIP request %v handler not found", req.Method())
		if req.IsAck() {
			return
		}
		if _, err := s.RespondOnRequest(req, 405, "Method Not Allowed", "", nil); err != nil {
			logger.Error(err)
		}
		return
	}

	handler(req, tx)
}

// Request sends req in a new client transaction.
func (s *SipStack) Request(req sip.Request) (sip.ClientTransaction, error) {
	if s.stopped.IsSet() {
		return nil, ErrStopped
	}
	return s.tx.Request(s.prepareRequest(req))
}

// GetNetworkInfo returns the advertised host and the listening port for protocol.
func (s *SipStack) GetNetworkInfo(protocol string) *transport.Target {
	target := transport.Target{Host: s.host}

	network := strings.ToUpper(protocol)
	s.hmu.RLock()
	p, ok := s.listenPorts[network]
	s.hmu.RUnlock()
	if ok {
		target.Port = p
	} else {
		defPort := sip.DefaultPort(network)
		target.Port = &defPort
	}
	return &target
}

// RememberInviteRequest keeps request for a minute so retransmitted 2xx
// responses can still be acked.
func (s *SipStack) RememberInviteRequest(request sip.Request) {
	key, err := transaction.MakeClientTxKey(request)
	if err != nil {
		s.Log().WithFields(map[string]interface{}{
			"sip_request": request.Short(),
		}).Errorf("remember of the request failed: %s", err)
		return
	}

	s.invitesLock.Lock()
	s.invites[key] = request
	s.invitesLock.Unlock()

	time.AfterFunc(time.Minute, func() {
		s.invitesLock.Lock()
		delete(s.invites, key)
		s.invitesLock.Unlock()
	})
}

func (s *SipStack) AckInviteRequest(request sip.Request, response sip.Response) {
	ackRequest := sip.NewAckRequest("", request, response, "", log.Fields{
		"sent_at": time.Now(),
	})
	ackRequest.SetSource(request.Source())
	ackRequest.SetDestination(request.Destination())
	if err := s.Send(ackRequest); err != nil {
		s.Log().WithFields(map[string]interface{}{
			"invite_request":  request.Short(),
			"invite_response": response.Short(),
			"ack_request":     ackRequest.Short(),
		}).Errorf("send ACK request failed: %s", err)
	}
}

func (s *SipStack) CancelRequest(request sip.Request, response sip.Response) {
	cancelRequest := sip.NewCancelRequest("", request, log.Fields{
		"sent_at": time.Now(),
	})
	if err := s.Send(cancelRequest); err != nil {
		fields := map[string]interface{}{
			"invite_request": request.Short(),
			"cancel_request": cancelRequest.Short(),
		}
		if response != nil {
			fields["invite_response"] = response.Short()
		}
		s.Log().WithFields(fields).Errorf("send CANCEL request failed: %s", err)
	}
}

func (s *SipStack) prepareRequest(req sip.Request) sip.Request {
	if viaHop, ok := req.ViaHop(); ok {
		if viaHop.Params == nil {
			viaHop.Params = sip.NewParams()
		}
		if !viaHop.Params.Has("branch") {
			viaHop.Params.Add("branch", sip.String{Str: sip.GenerateBranch()})
		}
	} else {
		viaHop = &sip.ViaHop{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Params: sip.NewParams().
				Add("branch", sip.String{Str: sip.GenerateBranch()}),
		}

		req.PrependHeaderAfter(sip.ViaHeader{
			viaHop,
		}, "Route")
	}

	s.appendAutoHeaders(req)

	return req
}

// Respond .
func (s *SipStack) Respond(res sip.Response) (sip.ServerTransaction, error) {
	if s.stopped.IsSet() {
		return nil, ErrStopped
	}
	return s.tx.Respond(s.prepareResponse(res))
}

// RespondOnRequest builds a response to request and sends it.
func (s *SipStack) RespondOnRequest(
	request sip.Request,
	status sip.StatusCode,
	reason, body string,
	headers []sip.Header,
) (sip.ServerTransaction, error) {
	response := sip.NewResponseFromRequest("", request, status, reason, body)
	for _, header := range headers {
		response.AppendHeader(header)
	}

	tx, err := s.Respond(response)
	if err != nil {
		return nil, fmt.Errorf("respond '%d %s' failed: %w", response.StatusCode(), response.Reason(), err)
	}

	return tx, nil
}

// Send writes msg to the transport without a transaction.
func (s *SipStack) Send(msg sip.Message) error {
	if s.stopped.IsSet() {
		return ErrStopped
	}

	switch m := msg.(type) {
	case sip.Request:
		msg = s.prepareRequest(m)
	case sip.Response:
		msg = s.prepareResponse(m)
	}

	return s.tp.Send(msg)
}

func (s *SipStack) prepareResponse(res sip.Response) sip.Response {
	s.appendAutoHeaders(res)
	return res
}

// Shutdown stops both layers and waits for running handlers. Safe to call twice.
func (s *SipStack) Shutdown() {
	if !s.stopped.SetToIf(false, true) {
		return
	}
	s.tx.Cancel()
	<-s.tx.Done()
	s.tp.Cancel()
	<-s.tp.Done()
	s.hwg.Wait()
}

// OnRequest registers the handler for method, replacing any previous one.
func (s *SipStack) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	s.hmu.Lock()
	s.requestHandlers[method] = handler
	s.hmu.Unlock()
}

func (s *SipStack) OnConnectionError(handler func(err *transport.ConnectionError)) {
	s.hmu.Lock()
	s.onConnError = handler
	s.hmu.Unlock()
}

var autoAppendMethods = map[sip.RequestMethod]bool{
	sip.INVITE:   true,
	sip.REGISTER: true,
	sip.OPTIONS:  true,
}

func (s *SipStack) appendAutoHeaders(msg sip.Message) {
	var msgMethod sip.RequestMethod
	switch m := msg.(type) {
	case sip.Request:
		msgMethod = m.Method()
	case sip.Response:
		if cseq, ok := m.CSeq(); ok && !m.IsProvisional() {
			msgMethod = cseq.MethodName
		}
	}
	if autoAppendMethods[msgMethod] {
		if hdrs := msg.GetHeaders("Allow"); len(hdrs) == 0 {
			msg.AppendHeader(sip.AllowHeader(s.allowedMethods()))
		}
		if hdrs := msg.GetHeaders("Supported"); len(hdrs) == 0 && len(s.extensions) > 0 {
			msg.AppendHeader(&sip.SupportedHeader{
				Options: s.extensions,
			})
		}
	}

	if hdrs := msg.GetHeaders("User-Agent"); len(hdrs) == 0 {
		userAgent := sip.UserAgentHeader(s.userAgent)
		msg.AppendHeader(&userAgent)
	}

	if s.tp.IsStreamed(msg.Transport()) {
		if hdrs := msg.GetHeaders("Content-Length"); len(hdrs) == 0 {
			msg.SetBody(msg.Body(), true)
		}
	}
}

func (s *SipStack) allowedMethods() []sip.RequestMethod {
	methods := []sip.RequestMethod{sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.OPTIONS}
	seen := map[sip.RequestMethod]bool{}
	for _, m := range methods {
		seen[m] = true
	}

	s.hmu.RLock()
	for method := range s.requestHandlers {
		if !seen[method] {
			methods = append(methods, method)
		}
	}
	s.hmu.RUnlock()

	return methods
}

type sipTransport struct {
	tpl transport.Layer
	s   *SipStack
}

func (tp *sipTransport) Messages() <-chan sip.Message {
	return tp.tpl.Messages()
}

func (tp *sipTransport) Send(msg sip.Message) error {
	return tp.s.Send(msg)
}

func (tp *sipTransport) IsReliable(network string) bool {
	return tp.tpl.IsReliable(network)
}

func (tp *sipTransport) IsStreamed(network string) bool {
	return tp.tpl.IsStreamed(network)
}
