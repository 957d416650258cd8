package core

import (
	"context"
	"errors"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrIncompatible      = errors.New("consumer capabilities incompatible with producer")
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrUnknownProducer   = errors.New("unknown producer")
	ErrUnknownConsumer   = errors.New("unknown consumer")
	ErrRelayUnavailable  = errors.New("relay unavailable")
	ErrTransportNotReady = errors.New("transport not connected")
)

// CodecCapability is one codec the relay or a receiver supports.
type CodecCapability struct {
	Kind        domain.MediaKind `json:"kind"`
	MimeType    string           `json:"mimeType" validate:"required"`
	ClockRate   uint32           `json:"clockRate" validate:"required"`
	Channels    uint16           `json:"channels,omitempty"`
	SDPFmtpLine string           `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8            `json:"preferredPayloadType,omitempty"`
}

type RtpCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// RtpParameters describes a single-encoding RTP stream.
type RtpParameters struct {
	Codec       CodecCapability `json:"codec"`
	PayloadType uint8           `json:"payloadType"`
	SSRC        uint32          `json:"ssrc" validate:"required"`
}

// TransportInfo is what a peer needs to connect its side of a transport.
type TransportInfo struct {
	ID             domain.TransportID    `json:"transportId"`
	Direction      domain.Direction      `json:"direction"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams are the remote parameters supplied by the peer.
type ConnectParams struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type ProduceParams struct {
	Kind          domain.MediaKind
	SourceTag     domain.SourceTag
	RtpParameters RtpParameters
}

// ConsumerInfo describes a consumer; consumers always start paused.
type ConsumerInfo struct {
	ID            domain.ConsumerID `json:"consumerId"`
	ProducerID    domain.ProducerID `json:"producerId"`
	Kind          domain.MediaKind  `json:"kind"`
	RtpParameters RtpParameters     `json:"rtpParameters"`
	Paused        bool              `json:"paused"`
}

// TransportStateFunc receives connectivity changes of relay transports.
type TransportStateFunc func(id domain.TransportID, state domain.TransportState)

// MediaRelay is the external SFU engine. One router exists per active channel;
// transports, producers and consumers belong to exactly one router.
// Every call may block on the engine and must honour ctx.
type MediaRelay interface {
	// Capabilities returns the router capabilities, creating the router lazily.
	Capabilities(ctx context.Context, channel domain.ChannelID) (RtpCapabilities, error)
	CreateTransport(ctx context.Context, channel domain.ChannelID, dir domain.Direction) (TransportInfo, error)
	ConnectTransport(ctx context.Context, id domain.TransportID, params ConnectParams) error
	Produce(ctx context.Context, transport domain.TransportID, params ProduceParams) (domain.ProducerID, error)
	// Consume fails with ErrIncompatible when caps cannot receive the producer.
	Consume(ctx context.Context, transport domain.TransportID, producer domain.ProducerID, caps RtpCapabilities) (ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, id domain.ConsumerID) error
	PauseConsumer(ctx context.Context, id domain.ConsumerID) error

	CloseProducer(id domain.ProducerID) error
	CloseConsumer(id domain.ConsumerID) error
	CloseTransport(id domain.TransportID) error
	// CloseRouter reclaims everything left for the channel.
	CloseRouter(channel domain.ChannelID) error

	OnTransportState(fn TransportStateFunc)
}
