package app

import "github.com/dkeye/voicehub/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a user whose send queue is full.
type Policy interface {
	OnBackPressure(user domain.UserID, msgType string) BackpressureAction
}

// SimplePolicy kicks slow consumers; a dropped control message would leave
// the client with a diverged view of the channel.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, string) BackpressureAction {
	return KickMember
}
