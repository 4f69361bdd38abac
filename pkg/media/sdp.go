package media

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/sdp/v3"
)

const (
	attrEchoCancellation = "x-echo-cancellation"
	attrNoiseSuppression = "x-noise-suppression"
)

// BuildOffer returns a single audio media section bound to host:port.
func BuildOffer(host string, port int, c Constraints, sessionID uint64) (*Description, error) {
	sd := newSession(host, sessionID)
	sd.WithValueAttribute(attrEchoCancellation, onOff(c.EchoCancellation))
	sd.WithValueAttribute(attrNoiseSuppression, onOff(c.NoiseSuppression))
	sd.WithMedia(audioMedia(host, port, AudioCodecs))

	raw, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal offer: %w", err)
	}
	return &Description{Type: "offer", SDP: string(raw)}, nil
}

// BuildAnswer answers remote with the codecs both sides support.
func BuildAnswer(remote string, host string, port int, sessionID uint64) (*Description, error) {
	offer := &sdp.SessionDescription{}
	if err := offer.Unmarshal([]byte(remote)); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}

	var common []Codec
	for _, m := range offer.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			for _, c := range AudioCodecs {
				if int(c.PayloadType) == pt {
					common = append(common, c)
				}
			}
		}
		break
	}
	if len(common) == 0 {
		return nil, fmt.Errorf("no common audio codec in offer")
	}

	sd := newSession(host, sessionID)
	sd.WithMedia(audioMedia(host, port, common))
	raw, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}
	return &Description{Type: "answer", SDP: string(raw)}, nil
}

// RemoteAudioAddr returns where the peer expects audio.
func RemoteAudioAddr(raw string) (*net.UDPAddr, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		conn := m.ConnectionInformation
		if conn == nil {
			conn = sd.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return nil, fmt.Errorf("audio media without connection address")
		}
		ip := net.ParseIP(conn.Address.Address)
		if ip == nil {
			return nil, fmt.Errorf("connection address %q is not an ip", conn.Address.Address)
		}
		return &net.UDPAddr{IP: ip, Port: m.MediaName.Port.Value}, nil
	}
	return nil, fmt.Errorf("no audio media")
}

func newSession(host string, sessionID uint64) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addrType(host),
			UnicastAddress: host,
		},
		SessionName: "go-sip-phone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType(host),
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func audioMedia(host string, port int, codecs []Codec) *sdp.MediaDescription {
	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		m.WithCodec(c.PayloadType, c.Name, c.ClockRate, 0, c.Fmtp)
	}
	m.WithPropertyAttribute("sendrecv")
	m.WithValueAttribute("ptime", "20")
	return m
}

func addrType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
