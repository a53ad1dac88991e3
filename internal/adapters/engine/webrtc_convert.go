package engine

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/confcast/internal/domain"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func codecParameters(c domain.CodecCapability) webrtc.RTPCodecParameters {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, fb := range c.RTCPFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  domain.FmtpLine(c.Parameters),
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func iceParameters(p webrtc.ICEParameters) domain.ICEParameters {
	return domain.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func iceCandidates(in []webrtc.ICECandidate) []domain.ICECandidate {
	out := make([]domain.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, domain.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func dtlsParameters(p webrtc.DTLSParameters) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: p.Role.String()}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func remoteDTLS(p domain.DTLSParameters) (webrtc.DTLSParameters, error) {
	out := webrtc.DTLSParameters{}
	switch p.Role {
	case "", "auto":
		out.Role = webrtc.DTLSRoleAuto
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	default:
		return out, fmt.Errorf("dtls role %q: %w", p.Role, domain.ErrValidation)
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out, nil
}
