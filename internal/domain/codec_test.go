package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vp8Params() RTPParameters {
	return RTPParameters{
		MID: "0",
		Codecs: []CodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000, Parameters: map[string]any{"apt": 96}},
		},
		HeaderExtensions: []HeaderExtensionParameters{
			{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 9},
			{URI: "urn:3gpp:video-orientation", ID: 11},
		},
		Encodings: []Encoding{{SSRC: 1111}},
		RTCP:      RTCPParameters{CNAME: "abc"},
	}
}

func TestCanConsume(t *testing.T) {
	full := Capabilities{Codecs: DefaultMediaCodecs(), HeaderExtensions: DefaultHeaderExtensions()}
	audioOnly := Capabilities{Codecs: []CodecCapability{DefaultMediaCodecs()[0]}}

	assert.True(t, CanConsume(vp8Params(), full))
	assert.False(t, CanConsume(vp8Params(), audioOnly))
	assert.False(t, CanConsume(RTPParameters{}, full))

	opus := RTPParameters{Codecs: []CodecParameters{{MimeType: "audio/OPUS", ClockRate: 48000, Channels: 2}}}
	assert.True(t, CanConsume(opus, audioOnly), "mime type comparison is case-insensitive")

	mono := RTPParameters{Codecs: []CodecParameters{{MimeType: "audio/opus", ClockRate: 48000, Channels: 1}}}
	assert.False(t, CanConsume(mono, audioOnly), "channel count must match for audio")
}

func TestConsumableParameters(t *testing.T) {
	caps := Capabilities{Codecs: DefaultMediaCodecs(), HeaderExtensions: DefaultHeaderExtensions()}

	out, ok := ConsumableParameters(vp8Params(), caps)
	require.True(t, ok)
	require.Len(t, out.Codecs, 1)
	assert.Equal(t, uint8(101), out.Codecs[0].PayloadType)
	assert.Equal(t, "VP8", out.Codecs[0].Name())
	assert.Equal(t, []HeaderExtensionParameters{{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1}}, out.HeaderExtensions)
	assert.Equal(t, uint32(1111), out.SSRC())

	_, ok = ConsumableParameters(vp8Params(), Capabilities{})
	assert.False(t, ok)
}

func TestFilterCapabilities(t *testing.T) {
	caps := Capabilities{Codecs: DefaultMediaCodecs(), HeaderExtensions: DefaultHeaderExtensions()}

	out := FilterCapabilities(caps, []string{"audio/opus"}, []string{"urn:ietf:params:rtp-hdrext:sdes:mid"})
	require.Len(t, out.Codecs, 1)
	assert.Equal(t, "audio/opus", out.Codecs[0].MimeType)
	assert.Len(t, out.HeaderExtensions, 2)

	assert.Equal(t, caps, FilterCapabilities(caps, nil, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{ErrProducerNotFound, ClassNotFound},
		{ErrRoomClosed, ClassNotFound},
		{ErrNotOwner, ClassUnauthorized},
		{ErrDirectionMismatch, ClassValidation},
		{ErrNoCapabilitiesYet, ClassValidation},
		{ErrIncompatibleCapabilities, ClassIncompatible},
		{ErrEngineUnavailable, ClassEngineUnavailable},
		{assert.AnError, ClassInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestFmtpLine(t *testing.T) {
	assert.Empty(t, FmtpLine(nil))
	assert.Equal(t, "minptime=10;useinbandfec=1", FmtpLine(map[string]any{"useinbandfec": 1, "minptime": 10}))
}
