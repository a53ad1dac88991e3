package domain

import "strings"

// RTCPFeedback mirrors the mediasoup-client wire shape.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type CodecCapability struct {
	Kind                 MediaKind      `json:"kind" validate:"required,oneof=audio video"`
	MimeType             string         `json:"mimeType" validate:"required"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate" validate:"required"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type HeaderExtensionCapability struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

// Capabilities is the negotiated codec/extension set of a room or a receiver.
type Capabilities struct {
	Codecs           []CodecCapability           `json:"codecs" validate:"dive"`
	HeaderExtensions []HeaderExtensionCapability `json:"headerExtensions,omitempty"`
}

type CodecParameters struct {
	MimeType     string         `json:"mimeType" validate:"required"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate" validate:"required"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// Name is the encoding name, e.g. "opus" for "audio/opus".
func (c CodecParameters) Name() string {
	if _, name, ok := strings.Cut(c.MimeType, "/"); ok {
		return name
	}
	return c.MimeType
}

type HeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type Encoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// RTPParameters describe one encoded stream as sent or received.
type RTPParameters struct {
	MID              string                      `json:"mid,omitempty"`
	Codecs           []CodecParameters           `json:"codecs" validate:"required,min=1,dive"`
	HeaderExtensions []HeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []Encoding                  `json:"encodings,omitempty"`
	RTCP             RTCPParameters              `json:"rtcp,omitempty"`
}

// MediaCodec returns the first non-retransmission codec.
func (p RTPParameters) MediaCodec() (CodecParameters, bool) {
	for _, c := range p.Codecs {
		if !isFeatureCodec(c.MimeType) {
			return c, true
		}
	}
	return CodecParameters{}, false
}

func (p RTPParameters) SSRC() uint32 {
	if len(p.Encodings) > 0 {
		return p.Encodings[0].SSRC
	}
	return 0
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm" validate:"required"`
	Value     string `json:"value" validate:"required"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty" validate:"omitempty,oneof=auto client server"`
	Fingerprints []DTLSFingerprint `json:"fingerprints" validate:"required,min=1,dive"`
}

// ConnectionParams are set exactly once per transport. ICE parameters are
// required by the WebRTC engine, which checks the remote username on every
// binding request; the loopback engine ignores them.
type ConnectionParams struct {
	DTLS DTLSParameters `json:"dtlsParameters" validate:"required"`
	ICE  *ICEParameters `json:"iceParameters,omitempty"`
}

// TransportDescriptor is handed to the remote peer after createTransport.
type TransportDescriptor struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type ProducerInfo struct {
	ID    ProducerID    `json:"id"`
	Kind  MediaKind     `json:"kind"`
	Owner ParticipantID `json:"userId"`
}

type ConsumerInfo struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
	Owner         ParticipantID `json:"userId,omitempty"`
}

// ProducerSnapshot is a fully constructed producer as seen at one instant.
type ProducerSnapshot struct {
	ID            ProducerID
	Kind          MediaKind
	Owner         ParticipantID
	RTPParameters RTPParameters
}

// StreamEdge is one row of a room snapshot. Consumer is empty for a
// producer nobody subscribes to yet.
type StreamEdge struct {
	Participant Participant
	Producer    ProducerInfo
	Consumer    ConsumerID
}
