package app

import (
	"slices"
	"sync"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/rs/zerolog/log"
)

// MembershipFunc observes a channel's members right after a mutation.
// It runs under the presence lock, so fan-out enqueued from it is ordered
// identically for every member of the channel.
type MembershipFunc func(members []domain.UserID)

// Presence is the voice channel presence table.
// A user is in at most one channel at a time.
type Presence struct {
	mu          sync.RWMutex
	seq         uint64
	channels    map[domain.ChannelID]map[domain.UserID]uint64
	userChannel map[domain.UserID]domain.ChannelID
}

func NewPresence() *Presence {
	return &Presence{
		channels:    make(map[domain.ChannelID]map[domain.UserID]uint64),
		userChannel: make(map[domain.UserID]domain.ChannelID),
	}
}

// Join adds user to ch and calls publish with the members after the add.
// A user still registered elsewhere is moved; prev reports the channel left.
// joined is false when the user was already a member of ch.
func (p *Presence) Join(ch domain.ChannelID, user domain.UserID, publish MembershipFunc) (prev domain.ChannelID, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.userChannel[user]; ok {
		if cur == ch {
			return "", false
		}
		p.removeLocked(cur, user)
		prev = cur
	}

	members, ok := p.channels[ch]
	if !ok {
		members = make(map[domain.UserID]uint64)
		p.channels[ch] = members
	}
	p.seq++
	members[user] = p.seq
	p.userChannel[user] = ch
	log.Info().Str("module", "app.presence").Str("channel", string(ch)).Str("user", string(user)).Msg("member joined")

	if publish != nil {
		publish(p.membersLocked(ch))
	}
	return prev, true
}

// Leave removes user from ch and calls publish with the remaining members.
// It is a no-op returning false when the user is not in ch.
func (p *Presence) Leave(ch domain.ChannelID, user domain.UserID, publish MembershipFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.userChannel[user]; !ok || cur != ch {
		return false
	}
	p.removeLocked(ch, user)
	log.Info().Str("module", "app.presence").Str("channel", string(ch)).Str("user", string(user)).Msg("member left")

	if publish != nil {
		publish(p.membersLocked(ch))
	}
	return true
}

func (p *Presence) removeLocked(ch domain.ChannelID, user domain.UserID) {
	delete(p.userChannel, user)
	members := p.channels[ch]
	delete(members, user)
	if len(members) == 0 {
		delete(p.channels, ch)
	}
}

// membersLocked lists members in join order.
func (p *Presence) membersLocked(ch domain.ChannelID) []domain.UserID {
	members := p.channels[ch]
	out := make([]domain.UserID, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserID) int {
		return int(members[a]) - int(members[b])
	})
	return out
}

func (p *Presence) ChannelOf(user domain.UserID) (domain.ChannelID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.userChannel[user]
	return ch, ok
}

func (p *Presence) IsMember(ch domain.ChannelID, user domain.UserID) bool {
	cur, ok := p.ChannelOf(user)
	return ok && cur == ch
}

func (p *Presence) Members(ch domain.ChannelID) []domain.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.membersLocked(ch)
}

func (p *Presence) Count(ch domain.ChannelID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels[ch])
}

// Snapshot copies the whole table.
func (p *Presence) Snapshot() map[domain.ChannelID][]domain.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[domain.ChannelID][]domain.UserID, len(p.channels))
	for ch := range p.channels {
		out[ch] = p.membersLocked(ch)
	}
	return out
}

// Total counts users in any voice channel.
func (p *Presence) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.userChannel)
}
