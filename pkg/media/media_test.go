package media

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOffer(t *testing.T) {
	offer, err := BuildOffer("192.0.2.10", 30000, Constraints{EchoCancellation: true}, 42)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)

	sdp := offer.SDP
	assert.Contains(t, sdp, "m=audio 30000 RTP/AVP 0 8 101")
	assert.Contains(t, sdp, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, sdp, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, sdp, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, sdp, "a=fmtp:101 0-16")
	assert.Contains(t, sdp, "a=sendrecv")
	assert.Contains(t, sdp, "c=IN IP4 192.0.2.10")
	assert.Contains(t, sdp, "a=x-echo-cancellation:on")
	assert.Contains(t, sdp, "a=x-noise-suppression:off")
}

func TestBuildAnswerIntersectsCodecs(t *testing.T) {
	remote := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.7",
		"s=-",
		"c=IN IP4 198.51.100.7",
		"t=0 0",
		"m=audio 40000 RTP/AVP 8 18 101",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:18 G729/8000",
		"a=rtpmap:101 telephone-event/8000",
		"",
	}, "\r\n")

	answer, err := BuildAnswer(remote, "192.0.2.10", 30002, 7)
	require.NoError(t, err)
	assert.Contains(t, answer.SDP, "m=audio 30002 RTP/AVP 8 101")
	assert.NotContains(t, answer.SDP, "PCMU")

	addr, err := RemoteAudioAddr(remote)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7:40000", addr.String())
}

func TestBuildAnswerNoCommonCodec(t *testing.T) {
	remote := "v=0\r\no=- 1 1 IN IP4 198.51.100.7\r\ns=-\r\nc=IN IP4 198.51.100.7\r\nt=0 0\r\nm=audio 40000 RTP/AVP 18\r\n"
	_, err := BuildAnswer(remote, "192.0.2.10", 30002, 7)
	assert.Error(t, err)
}

func TestRTPStreamCountsPackets(t *testing.T) {
	received := make(chan *rtp.Packet, 4)
	stream, err := NewRTPStream("127.0.0.1", DefaultPortMin, DefaultPortMax, func(pkt *rtp.Packet, raddr net.Addr) {
		received <- pkt
	})
	require.NoError(t, err)
	defer stream.Close()

	stream.SetRemote(stream.LocalAddr())
	for seq := uint16(1); seq <= 2; seq++ {
		_, err := stream.Write(&rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, SSRC: 1234},
			Payload: []byte{1, 2, 3},
		})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("packet not received")
		}
	}

	st := stream.Stats()[1234]
	assert.Equal(t, uint64(2), st.Packets)
	assert.Equal(t, uint64(6), st.Bytes)
	assert.Equal(t, uint16(2), st.LastSeq)
}

func TestRTPStreamCloseIdempotent(t *testing.T) {
	stream, err := NewRTPStream("127.0.0.1", DefaultPortMin, DefaultPortMax, nil)
	require.NoError(t, err)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}
