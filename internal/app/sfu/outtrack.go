package sfu

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	default:
		return "delete"
	}
}

// OutTrack is the forwarding end of one consumer. Consumers start muted.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	ot := &OutTrack{Track: track}
	ot.state.Store(int32(TrackStateMuted))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk resumes forwarding unless the track is already deleted.
func (ot *OutTrack) MarkOk() bool {
	return ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk)) || ot.GetState() == TrackStateOk
}

func (ot *OutTrack) MarkMuted() bool {
	return ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted)) || ot.GetState() == TrackStateMuted
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
