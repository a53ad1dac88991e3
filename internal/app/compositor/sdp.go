package compositor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/dkeye/confcast/internal/domain"
)

var ErrMissingCodec = fmt.Errorf("stream has no media codec: %w", domain.ErrPipeline)

// Input is one mirrored stream fed to the transcoder.
type Input struct {
	Index    int
	Producer domain.ProducerID
	Kind     domain.MediaKind
	IP       string
	Port     int
	Codec    domain.CodecParameters
	SSRC     uint32
	CNAME    string
	SDPPath  string
}

// StreamDescription is what ParseSessionDescription recovers from an artifact.
type StreamDescription struct {
	Kind        domain.MediaKind
	IP          string
	Port        int
	PayloadType uint8
	Codec       string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// BuildSessionDescription renders the receive-only SDP ffmpeg reads to pick
// up one plain RTP stream.
func BuildSessionDescription(in Input) ([]byte, error) {
	if in.Codec.MimeType == "" || in.Codec.ClockRate == 0 {
		return nil, ErrMissingCodec
	}
	var channels uint16
	if strings.EqualFold(in.Codec.Name(), "opus") {
		channels = in.Codec.Channels
		if channels == 0 {
			channels = 2
		}
	}

	media := (&sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(in.Kind),
			Port:   sdp.RangedPort{Value: in.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}).WithCodec(in.Codec.PayloadType, in.Codec.Name(), in.Codec.ClockRate, channels, domain.FmtpLine(in.Codec.Parameters))
	media = media.WithPropertyAttribute(sdp.AttrKeyRecvOnly)
	if in.SSRC != 0 {
		cname := in.CNAME
		if cname == "" {
			cname = string(in.Producer)
		}
		media = media.WithValueAttribute(sdp.AttrKeySSRC, fmt.Sprintf("%d cname:%s", in.SSRC, cname))
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: in.IP,
		},
		SessionName: "FFmpeg",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: in.IP},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}
	return desc.Marshal()
}

// ParseSessionDescription reads back an artifact written by
// BuildSessionDescription.
func ParseSessionDescription(raw []byte) (StreamDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return StreamDescription{}, fmt.Errorf("parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return StreamDescription{}, errors.New("parse sdp: no media section")
	}
	media := desc.MediaDescriptions[0]
	if len(media.MediaName.Formats) == 0 {
		return StreamDescription{}, errors.New("parse sdp: no payload type")
	}
	pt, err := strconv.ParseUint(media.MediaName.Formats[0], 10, 8)
	if err != nil {
		return StreamDescription{}, fmt.Errorf("parse sdp payload type: %w", err)
	}
	codec, err := desc.GetCodecForPayloadType(uint8(pt))
	if err != nil {
		return StreamDescription{}, fmt.Errorf("parse sdp codec: %w", err)
	}

	out := StreamDescription{
		Kind:        domain.MediaKind(media.MediaName.Media),
		Port:        media.MediaName.Port.Value,
		PayloadType: codec.PayloadType,
		Codec:       codec.Name,
		ClockRate:   codec.ClockRate,
		Fmtp:        codec.Fmtp,
	}
	if codec.EncodingParameters != "" {
		if ch, err := strconv.ParseUint(codec.EncodingParameters, 10, 16); err == nil {
			out.Channels = uint16(ch)
		}
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		out.IP = desc.ConnectionInformation.Address.Address
	}
	return out, nil
}
