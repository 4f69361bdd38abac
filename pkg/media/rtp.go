package media

import (
	"net"
	"sync"

	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/pion/rtp"
	"github.com/tevino/abool"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 65530
)

// Stats are counters for one SSRC.
type Stats struct {
	Packets uint64
	Bytes   uint64
	LastSeq uint16
}

// RTPStream is the local audio socket of one call.
type RTPStream struct {
	conn     *net.UDPConn
	closed   *abool.AtomicBool
	onPacket func(pkt *rtp.Packet, raddr net.Addr)
	laddr    *net.UDPAddr
	mu       sync.Mutex
	raddr    *net.UDPAddr
	stats    map[uint32]Stats
	invalid  uint64
	done     chan struct{}
	logger   log.Logger
}

// NewRTPStream binds a socket on bind within [portMin, portMax] and starts
// reading. onPacket may be nil.
func NewRTPStream(bind string, portMin, portMax int, onPacket func(pkt *rtp.Packet, raddr net.Addr)) (*RTPStream, error) {
	logger := utils.NewLogrusLogger(utils.DefaultLogLevel, "Media", nil)

	lAddr := &net.UDPAddr{IP: net.ParseIP(bind), Port: 0}
	conn, err := utils.ListenUDPInPortRange(portMin, portMax, lAddr)
	if err != nil {
		return nil, err
	}

	r := &RTPStream{
		conn:     conn,
		closed:   abool.New(),
		onPacket: onPacket,
		laddr:    conn.LocalAddr().(*net.UDPAddr),
		stats:    make(map[uint32]Stats),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go r.read()
	return r, nil
}

func (r *RTPStream) Log() log.Logger {
	return r.logger
}

func (r *RTPStream) LocalAddr() *net.UDPAddr {
	return r.laddr
}

func (r *RTPStream) RemoteAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raddr
}

// SetRemote sets the default destination for Write.
func (r *RTPStream) SetRemote(raddr *net.UDPAddr) {
	r.mu.Lock()
	r.raddr = raddr
	r.mu.Unlock()
}

// Write marshals pkt and sends it to the remote address.
func (r *RTPStream) Write(pkt *rtp.Packet) (int, error) {
	raw, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	raddr := r.RemoteAddr()
	if raddr == nil {
		return 0, net.ErrClosed
	}
	return r.conn.WriteToUDP(raw, raddr)
}

// Stats returns a copy of the per-SSRC counters.
func (r *RTPStream) Stats() map[uint32]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]Stats, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

// Invalid counts datagrams that were not RTP.
func (r *RTPStream) Invalid() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid
}

// Close is idempotent.
func (r *RTPStream) Close() error {
	if !r.closed.SetToIf(false, true) {
		return nil
	}
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *RTPStream) read() {
	defer close(r.done)

	buf := make([]byte, 1500)
	for {
		n, raddr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.closed.IsNotSet() {
				r.Log().Warnf("RTP conn [%v] read failed, err: %v, stop now!", r.laddr, err)
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.mu.Lock()
			r.invalid++
			r.mu.Unlock()
			r.Log().Tracef("drop non-rtp datagram from %v: %v", raddr, err)
			continue
		}

		r.mu.Lock()
		st := r.stats[pkt.SSRC]
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
		st.LastSeq = pkt.SequenceNumber
		r.stats[pkt.SSRC] = st
		r.mu.Unlock()

		if r.onPacket != nil {
			r.onPacket(pkt, raddr)
		}
	}
}
