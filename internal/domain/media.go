package domain

import "errors"

var ErrUnknownSourceTag = errors.New("unknown source tag")

type (
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Direction tells the send and receive transports of one peer apart.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }

// SourceTag names the local media source behind a producer.
type SourceTag string

const (
	SourceMic          SourceTag = "mic"
	SourceWebcam       SourceTag = "webcam"
	SourceScreen       SourceTag = "screen"
	SourceScreenAudio  SourceTag = "screen-audio"
	SourceBrowser      SourceTag = "browser"
	SourceBrowserAudio SourceTag = "browser-audio"
)

var sourceKinds = map[SourceTag]MediaKind{
	SourceMic:          KindAudio,
	SourceWebcam:       KindVideo,
	SourceScreen:       KindVideo,
	SourceScreenAudio:  KindAudio,
	SourceBrowser:      KindVideo,
	SourceBrowserAudio: KindAudio,
}

func ParseSourceTag(s string) (SourceTag, error) {
	t := SourceTag(s)
	if _, ok := sourceKinds[t]; !ok {
		return "", ErrUnknownSourceTag
	}
	return t, nil
}

// Kind returns the media kind a source produces.
func (t SourceTag) Kind() MediaKind { return sourceKinds[t] }

// TransportState is the connectivity signal exposed by every relay transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Fatal reports whether the state requires a full session restart.
func (s TransportState) Fatal() bool { return s == TransportFailed }
