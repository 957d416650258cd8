package sfu

import (
	"strings"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/pion/webrtc/v4"
)

// supportedCodecs is what every router offers, in preference order.
var supportedCodecs = []core.CodecCapability{
	{Kind: domain.KindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1", PayloadType: 111},
	{Kind: domain.KindVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96},
	{Kind: domain.KindVideo, MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", PayloadType: 98},
	{
		Kind:        domain.KindVideo,
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		PayloadType: 102,
	},
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func rtpCapability(c core.CodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}

func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range supportedCodecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: rtpCapability(c),
			PayloadType:        webrtc.PayloadType(c.PayloadType),
		}
		if err := m.RegisterCodec(params, codecType(c.Kind)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func routerCapabilities() core.RtpCapabilities {
	return core.RtpCapabilities{Codecs: append([]core.CodecCapability(nil), supportedCodecs...)}
}

func sameCodec(a, b core.CodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	if a.Channels != 0 && b.Channels != 0 && a.Channels != b.Channels {
		return false
	}
	return true
}

// matchCodec finds the entry of caps that can carry codec.
func matchCodec(codec core.CodecCapability, caps core.RtpCapabilities) (core.CodecCapability, bool) {
	for _, c := range caps.Codecs {
		if sameCodec(codec, c) {
			return c, true
		}
	}
	return core.CodecCapability{}, false
}
