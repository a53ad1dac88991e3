package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/domain"
)

func TestNewWebRTC_RejectsBadConfig(t *testing.T) {
	_, err := NewWebRTC(WebRTCConfig{PortMin: 50000, PortMax: 40000})
	assert.Error(t, err)
	_, err = NewWebRTC(WebRTCConfig{ListenIP: "not-an-ip"})
	assert.Error(t, err)
}

func TestWebRTC_RouterCapabilities(t *testing.T) {
	e, err := NewWebRTC(WebRTCConfig{})
	require.NoError(t, err)
	r, err := e.NewRouter(context.Background(), domain.DefaultMediaCodecs())
	require.NoError(t, err)
	defer r.Close()

	caps := r.Capabilities()
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.NotEmpty(t, caps.HeaderExtensions)
}

func TestWebRTC_TransportDescriptor(t *testing.T) {
	e, err := NewWebRTC(WebRTCConfig{IncludeLoopback: true})
	require.NoError(t, err)
	r, err := e.NewRouter(context.Background(), domain.DefaultMediaCodecs())
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := r.NewWebRTCTransport(ctx, domain.DirectionSend)
	require.NoError(t, err)
	defer tr.Close()

	desc := tr.Descriptor()
	assert.Equal(t, tr.ID(), desc.ID)
	assert.NotEmpty(t, desc.ICEParameters.UsernameFragment)
	assert.True(t, desc.ICEParameters.ICELite)
	require.NotEmpty(t, desc.DTLSParameters.Fingerprints)
	assert.Equal(t, "sha-256", desc.DTLSParameters.Fingerprints[0].Algorithm)

	err = tr.Connect(ctx, domain.ConnectionParams{DTLS: domain.DTLSParameters{
		Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRemoteDTLS(t *testing.T) {
	got, err := remoteDTLS(domain.DTLSParameters{
		Role:         "client",
		Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleClient, got.Role)
	assert.Equal(t, "AA:BB", got.Fingerprints[0].Value)

	got, err = remoteDTLS(domain.DTLSParameters{})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleAuto, got.Role)

	_, err = remoteDTLS(domain.DTLSParameters{Role: "peer"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCodecParameters(t *testing.T) {
	vp8 := codecParameters(domain.DefaultMediaCodecs()[1])
	assert.Equal(t, webrtc.PayloadType(101), vp8.PayloadType)
	assert.Equal(t, "x-google-start-bitrate=1000", vp8.SDPFmtpLine)
	assert.Contains(t, vp8.RTCPFeedback, webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"})
	assert.Equal(t, webrtc.RTPCodecTypeVideo, codecType(domain.KindVideo))
}

func TestMirror_RewritesPayloadType(t *testing.T) {
	params := domain.RTPParameters{
		Codecs:    []domain.CodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.Encoding{{SSRC: 1111}},
	}
	m, err := newMirror("127.0.0.1", params)
	require.NoError(t, err)
	defer m.Close()
	assert.Zero(t, m.Port()%2)

	in := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 7, SSRC: 1111},
		Payload: []byte{0xde, 0xad},
	}
	require.NoError(t, in.SetExtension(1, []byte{0x30}))

	// Nobody listens yet.
	require.NoError(t, m.writer.WriteRTP(in))
	require.NoError(t, m.writer.WriteRTP(in))

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(m.IP()), Port: m.Port()})
	require.NoError(t, err)
	defer conn.Close()
	// A refusal queued by the earlier writes may swallow one datagram.
	for range 3 {
		require.NoError(t, m.writer.WriteRTP(in))
	}

	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	var out rtp.Packet
	require.NoError(t, out.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(100), out.PayloadType)
	assert.Equal(t, uint16(7), out.SequenceNumber)
	assert.False(t, out.Extension)
	assert.Equal(t, []byte{0xde, 0xad}, out.Payload)
	assert.Equal(t, uint8(111), in.PayloadType, "source packet is shared with other subscribers")
	assert.True(t, in.Extension)
}
