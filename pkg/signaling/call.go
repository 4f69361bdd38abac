package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/media"
	"github.com/cloudwebrtc/go-sip-phone/pkg/phone"
	"github.com/cloudwebrtc/go-sip-phone/pkg/session"
	"github.com/ghettovoice/gosip/sip"
)

// Call wraps one invite session. It implements phone.Call.
type Call struct {
	agent *Agent
	sess  *session.Session

	mu       sync.Mutex
	stream   *media.RTPStream
	released bool
}

func (c *Call) ID() string {
	return c.sess.ID()
}

func (c *Call) Remote() string {
	return c.sess.RemoteUser()
}

func (c *Call) Direction() phone.Direction {
	if c.sess.Direction() == session.Incoming {
		return phone.Inbound
	}
	return phone.Outbound
}

// Accept answers an incoming call with an audio answer, or an offer when
// the INVITE carried no sdp.
func (c *Call) Accept() error {
	stream, err := c.ensureStream()
	if err != nil {
		c.rejectOnError(500, "Server Internal Error")
		return err
	}

	host, port := c.agent.stack.Host(), stream.LocalAddr().Port
	sessionID := uint64(time.Now().Unix())
	var desc *media.Description
	if remote := c.sess.RemoteSdp(); remote != "" {
		desc, err = media.BuildAnswer(remote, host, port, sessionID)
		if err != nil {
			c.rejectOnError(488, "Not Acceptable Here")
			return err
		}
	} else {
		desc, err = media.BuildOffer(host, port, c.agent.constraints(), sessionID)
		if err != nil {
			return err
		}
	}
	c.sess.ProvideAnswer(desc.SDP)
	return c.sess.Accept(200)
}

func (c *Call) rejectOnError(code sip.StatusCode, reason string) {
	if err := c.sess.Reject(code, reason); err != nil {
		c.agent.log.Errorf("call %s: reject %d %s: %v", c.ID(), code, reason, err)
	}
}

func (c *Call) Cancel() error {
	return c.sess.Cancel()
}

// Reject declines an incoming call, busy when another call is live.
func (c *Call) Reject() error {
	code, reason := rejectStatus(c.agent.busyFor(c))
	return c.sess.Reject(code, reason)
}

func rejectStatus(busy bool) (sip.StatusCode, string) {
	if busy {
		return 486, "Busy Here"
	}
	return 603, "Decline"
}

func (c *Call) Bye() error {
	return c.sess.Bye()
}

func (c *Call) attachStream(stream *media.RTPStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		stream.Close()
		return
	}
	c.stream = stream
}

func (c *Call) ensureStream() (*media.RTPStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, fmt.Errorf("call %s already ended", c.ID())
	}
	if c.stream != nil {
		return c.stream, nil
	}
	stream, err := media.NewRTPStream("0.0.0.0", c.agent.dcfg.RTPPortMin, c.agent.dcfg.RTPPortMax, nil)
	if err != nil {
		return nil, fmt.Errorf("allocate rtp port: %w", err)
	}
	c.stream = stream
	return stream, nil
}

// startMedia points the stream at the remote audio address.
func (c *Call) startMedia() {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}
	raddr, err := media.RemoteAudioAddr(c.sess.RemoteSdp())
	if err != nil {
		c.agent.log.Warnf("call %s: %v", c.ID(), err)
		return
	}
	stream.SetRemote(raddr)
}

// release closes the media stream. Safe to call more than once.
func (c *Call) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	if c.stream != nil {
		stats := c.stream.Stats()
		if err := c.stream.Close(); err != nil {
			c.agent.log.Warnf("close rtp stream: %v", err)
		}
		c.agent.log.Debugf("call %s media stats: %v", c.ID(), stats)
		c.stream = nil
	}
}
