// Package protocol defines the JSON messages exchanged over the signaling websocket.
// Every message is an object with a "type" discriminator; requests may carry a
// client-chosen "requestId" that the matching response echoes.
package protocol

import (
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Client -> server.
const (
	TypeJoinChannel          = "join-channel"
	TypeLeaveChannel         = "leave-channel"
	TypeGetCapabilities      = "get-capabilities"
	TypeCreateTransport      = "create-transport"
	TypeConnectTransport     = "connect-transport"
	TypeProduce              = "produce"
	TypeGetExistingProducers = "get-existing-producers"
	TypeConsume              = "consume"
	TypeResumeConsumer       = "resume-consumer"
	TypePauseConsumer        = "pause-consumer"
	TypeCloseProducer        = "close-producer"
	TypeTransportState       = "transport-state"
	TypeSelectServer         = "select-server"
	TypePing                 = "ping"
	TypeRename               = "rename"
	TypeWhoAmI               = "whoami"
)

// Server -> client.
const (
	TypeUserJoined         = "user-joined"
	TypeUserLeft           = "user-left"
	TypeExistingMembers    = "existing-members"
	TypeCapabilities       = "capabilities"
	TypeTransportCreated   = "transport-created"
	TypeTransportConnected = "transport-connected"
	TypeProducerCreated    = "producer-created"
	TypeNewProducer        = "new-producer"
	TypeConsumerCreated    = "consumer-created"
	TypeProducerClosed     = "producer-closed"
	TypeVoiceStateUpdate   = "voice-state-update"
	TypeSessionFailed      = "session-failed"
	TypeRejoin             = "rejoin"
	TypeError              = "error"
	TypePong               = "pong"
)

// Error codes carried by TypeError.
const (
	CodeBadPayload        = "bad_payload"
	CodeNegotiationFailed = "negotiation-failed"
	CodeJoinFailed        = "join-failed"
	CodeRateLimited       = "rate-limited"
	CodeInvalidName       = "invalid_name"
)

// Envelope is decoded first to route a message by type.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// ---- requests ----

type JoinChannel struct {
	ChannelID domain.ChannelID `json:"channelId" validate:"required,max=64"`
	Name      string           `json:"name,omitempty"`
}

type LeaveChannel struct {
	ChannelID domain.ChannelID `json:"channelId" validate:"required"`
}

type GetCapabilities struct {
	ChannelID domain.ChannelID `json:"channelId" validate:"required"`
}

type CreateTransport struct {
	ChannelID domain.ChannelID `json:"channelId" validate:"required"`
	Direction domain.Direction `json:"direction" validate:"required,oneof=send recv"`
}

type ConnectTransport struct {
	TransportID    domain.TransportID    `json:"transportId" validate:"required"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type Produce struct {
	ChannelID     domain.ChannelID   `json:"channelId" validate:"required"`
	TransportID   domain.TransportID `json:"transportId" validate:"required"`
	Kind          domain.MediaKind   `json:"kind" validate:"required,oneof=audio video"`
	SourceTag     string             `json:"sourceTag" validate:"required"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
}

type GetExistingProducers struct {
	ChannelID domain.ChannelID `json:"channelId" validate:"required"`
}

type Consume struct {
	ChannelID       domain.ChannelID     `json:"channelId" validate:"required"`
	TransportID     domain.TransportID   `json:"transportId"`
	ProducerID      domain.ProducerID    `json:"producerId" validate:"required"`
	RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
}

// ConsumerControl is shared by resume-consumer and pause-consumer.
type ConsumerControl struct {
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

type CloseProducer struct {
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

type TransportState struct {
	TransportID domain.TransportID    `json:"transportId" validate:"required"`
	State       domain.TransportState `json:"state" validate:"required,oneof=new connecting connected disconnected failed closed"`
}

type SelectServer struct {
	ServerID domain.ServerID `json:"serverId" validate:"required"`
}

type Rename struct {
	Name string `json:"name" validate:"required"`
}

// ---- responses and notifications ----

type UserJoined struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	User      domain.User      `json:"displayMeta"`
}

type UserLeft struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
}

type ExistingMembers struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	Members   []domain.User    `json:"members"`
}

type Capabilities struct {
	Type            string               `json:"type"`
	RequestID       string               `json:"requestId,omitempty"`
	ChannelID       domain.ChannelID     `json:"channelId"`
	RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
}

type TransportCreated struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	core.TransportInfo
}

type TransportConnected struct {
	Type        string             `json:"type"`
	RequestID   string             `json:"requestId,omitempty"`
	TransportID domain.TransportID `json:"transportId"`
}

type ProducerCreated struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId,omitempty"`
	ProducerID domain.ProducerID `json:"producerId"`
	SourceTag  domain.SourceTag  `json:"sourceTag"`
}

type NewProducer struct {
	Type        string            `json:"type"`
	ChannelID   domain.ChannelID  `json:"channelId"`
	ProducerID  domain.ProducerID `json:"producerId"`
	OwnerUserID domain.UserID     `json:"ownerUserId"`
	SourceTag   domain.SourceTag  `json:"sourceTag"`
}

type ConsumerCreated struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	core.ConsumerInfo
}

type ProducerClosed struct {
	Type       string            `json:"type"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type VoiceStateUpdate struct {
	Type string `json:"type"`
	domain.VoiceState
}

type SessionFailed struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	RetryInMs int64            `json:"retryInMs"`
}

type Rejoin struct {
	Type      string           `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	Attempt   int              `json:"attempt"`
}

type Error struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

func NewError(requestID, code string, err error) Error {
	return Error{Type: TypeError, RequestID: requestID, Code: code, Error: err.Error()}
}
