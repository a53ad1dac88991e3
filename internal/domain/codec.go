package domain

import (
	"fmt"
	"sort"
	"strings"
)

func isFeatureCodec(mime string) bool {
	switch strings.ToLower(mime) {
	case "video/rtx", "video/red", "video/ulpfec", "audio/red", "audio/telephone-event":
		return true
	}
	return false
}

func matchCodec(c CodecParameters, cap CodecCapability) bool {
	if !strings.EqualFold(c.MimeType, cap.MimeType) || c.ClockRate != cap.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		ch, capCh := c.Channels, cap.Channels
		if ch == 0 {
			ch = 1
		}
		if capCh == 0 {
			capCh = 1
		}
		return ch == capCh
	}
	return true
}

// FindCapability returns the capability able to decode codec c.
func FindCapability(c CodecParameters, caps Capabilities) (CodecCapability, bool) {
	for _, cap := range caps.Codecs {
		if matchCodec(c, cap) {
			return cap, true
		}
	}
	return CodecCapability{}, false
}

// CanConsume reports whether a receiver declaring caps can decode a stream
// sent with params. It has no side effects.
func CanConsume(params RTPParameters, caps Capabilities) bool {
	codec, ok := params.MediaCodec()
	if !ok {
		return false
	}
	_, ok = FindCapability(codec, caps)
	return ok
}

// ConsumableParameters derives the parameters a receiver with caps gets for
// a stream sent with params: the producer's codec re-labelled with the
// receiver's payload type, and only extensions the receiver knows.
func ConsumableParameters(params RTPParameters, caps Capabilities) (RTPParameters, bool) {
	codec, ok := params.MediaCodec()
	if !ok {
		return RTPParameters{}, false
	}
	cap, ok := FindCapability(codec, caps)
	if !ok {
		return RTPParameters{}, false
	}
	out := RTPParameters{
		MID:       params.MID,
		Encodings: append([]Encoding(nil), params.Encodings...),
		RTCP:      params.RTCP,
	}
	c := codec
	if cap.PreferredPayloadType != 0 {
		c.PayloadType = cap.PreferredPayloadType
	}
	c.RTCPFeedback = cap.RTCPFeedback
	out.Codecs = []CodecParameters{c}
	for _, ext := range params.HeaderExtensions {
		for _, capExt := range caps.HeaderExtensions {
			if capExt.URI == ext.URI {
				out.HeaderExtensions = append(out.HeaderExtensions, HeaderExtensionParameters{URI: ext.URI, ID: capExt.PreferredID})
				break
			}
		}
	}
	return out, true
}

// FilterCapabilities keeps only codecs whose mime type is in mimes and
// extensions whose uri is in uris. Empty allow-lists keep everything.
func FilterCapabilities(caps Capabilities, mimes, uris []string) Capabilities {
	out := Capabilities{}
	for _, c := range caps.Codecs {
		if len(mimes) == 0 || containsFold(mimes, c.MimeType) {
			out.Codecs = append(out.Codecs, c)
		}
	}
	for _, e := range caps.HeaderExtensions {
		if len(uris) == 0 || containsFold(uris, e.URI) {
			out.HeaderExtensions = append(out.HeaderExtensions, e)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// DefaultMediaCodecs is the codec set every router is created with.
func DefaultMediaCodecs() []CodecCapability {
	return []CodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 100,
			ClockRate:            48000,
			Channels:             2,
			RTCPFeedback:         []RTCPFeedback{{Type: "transport-cc"}},
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP8",
			PreferredPayloadType: 101,
			ClockRate:            90000,
			Parameters:           map[string]any{"x-google-start-bitrate": 1000},
			RTCPFeedback: []RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
			},
		},
	}
}

// DefaultHeaderExtensions is advertised alongside DefaultMediaCodecs.
func DefaultHeaderExtensions() []HeaderExtensionCapability {
	return []HeaderExtensionCapability{
		{Kind: KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
		{Kind: KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
		{Kind: KindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
		{Kind: KindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
	}
}

// FmtpLine renders codec parameters as an SDP fmtp value with sorted keys.
func FmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(pairs, ";")
}
