package app

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/voicehub/internal/domain"
)

var ErrDuplicateProducer = errors.New("producer already indexed")

// ProducerInfo is the ownership record of one live producer.
type ProducerInfo struct {
	ID      domain.ProducerID `json:"producerId"`
	Owner   domain.UserID     `json:"ownerUserId"`
	Channel domain.ChannelID  `json:"channelId"`
	Tag     domain.SourceTag  `json:"sourceTag"`
	Kind    domain.MediaKind  `json:"kind"`
	seq     uint64
}

// OwnershipIndex answers "whose stream is this" for every live producer.
type OwnershipIndex struct {
	mu   sync.RWMutex
	seq  uint64
	byID map[domain.ProducerID]ProducerInfo
}

func NewOwnershipIndex() *OwnershipIndex {
	return &OwnershipIndex{byID: make(map[domain.ProducerID]ProducerInfo)}
}

func (o *OwnershipIndex) Add(info ProducerInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.byID[info.ID]; ok {
		return ErrDuplicateProducer
	}
	o.seq++
	info.seq = o.seq
	o.byID[info.ID] = info
	return nil
}

func (o *OwnershipIndex) Remove(id domain.ProducerID) (ProducerInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	info, ok := o.byID[id]
	if ok {
		delete(o.byID, id)
	}
	return info, ok
}

func (o *OwnershipIndex) Lookup(id domain.ProducerID) (ProducerInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	info, ok := o.byID[id]
	return info, ok
}

// InChannel lists the channel's producers in creation order.
func (o *OwnershipIndex) InChannel(ch domain.ChannelID) []ProducerInfo {
	return o.filter(func(p ProducerInfo) bool { return p.Channel == ch })
}

func (o *OwnershipIndex) OwnedBy(user domain.UserID) []ProducerInfo {
	return o.filter(func(p ProducerInfo) bool { return p.Owner == user })
}

// Tags returns the source tags a user is currently producing.
func (o *OwnershipIndex) Tags(user domain.UserID) []domain.SourceTag {
	owned := o.OwnedBy(user)
	tags := make([]domain.SourceTag, 0, len(owned))
	for _, p := range owned {
		tags = append(tags, p.Tag)
	}
	return tags
}

func (o *OwnershipIndex) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byID)
}

func (o *OwnershipIndex) filter(keep func(ProducerInfo) bool) []ProducerInfo {
	o.mu.RLock()
	out := make([]ProducerInfo, 0)
	for _, p := range o.byID {
		if keep(p) {
			out = append(out, p)
		}
	}
	o.mu.RUnlock()
	slices.SortFunc(out, func(a, b ProducerInfo) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}
