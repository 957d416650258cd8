package app

import (
	"sync"
	"time"

	"github.com/dkeye/voicehub/internal/domain"
)

type PresenceEvent struct {
	Channel domain.ChannelID
	User    domain.UserID
	Joined  bool
	Members int
}

type ProducerEvent struct {
	Producer ProducerInfo
	Closed   bool
}

type ConsumerEvent struct {
	User     domain.UserID
	Consumer domain.ConsumerID
	Closed   bool
}

type TransportEvent struct {
	User      domain.UserID
	Channel   domain.ChannelID
	Transport domain.TransportID
	State     domain.TransportState
}

type NegotiationEvent struct {
	Step     string
	Duration time.Duration
	Err      error
}

type RecoveryEvent struct {
	User    domain.UserID
	Channel domain.ChannelID
	Attempt int
	GaveUp  bool
}

// Bus is a synchronous typed pub/sub. Handlers run on the publisher's
// goroutine and must not block.
type Bus struct {
	mu          sync.RWMutex
	presence    []func(PresenceEvent)
	producer    []func(ProducerEvent)
	consumer    []func(ConsumerEvent)
	transport   []func(TransportEvent)
	negotiation []func(NegotiationEvent)
	recovery    []func(RecoveryEvent)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) OnPresence(fn func(PresenceEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence = append(b.presence, fn)
}

func (b *Bus) OnProducer(fn func(ProducerEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producer = append(b.producer, fn)
}

func (b *Bus) OnConsumer(fn func(ConsumerEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumer = append(b.consumer, fn)
}

func (b *Bus) OnTransport(fn func(TransportEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = append(b.transport, fn)
}

func (b *Bus) OnNegotiation(fn func(NegotiationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.negotiation = append(b.negotiation, fn)
}

func (b *Bus) OnRecovery(fn func(RecoveryEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recovery = append(b.recovery, fn)
}

func (b *Bus) PublishPresence(ev PresenceEvent) {
	publish(b, func() []func(PresenceEvent) { return b.presence }, ev)
}

func (b *Bus) PublishProducer(ev ProducerEvent) {
	publish(b, func() []func(ProducerEvent) { return b.producer }, ev)
}

func (b *Bus) PublishConsumer(ev ConsumerEvent) {
	publish(b, func() []func(ConsumerEvent) { return b.consumer }, ev)
}

func (b *Bus) PublishTransport(ev TransportEvent) {
	publish(b, func() []func(TransportEvent) { return b.transport }, ev)
}

func (b *Bus) PublishNegotiation(ev NegotiationEvent) {
	publish(b, func() []func(NegotiationEvent) { return b.negotiation }, ev)
}

func (b *Bus) PublishRecovery(ev RecoveryEvent) {
	publish(b, func() []func(RecoveryEvent) { return b.recovery }, ev)
}

// publish tolerates a nil bus so components can run without subscribers.
func publish[E any](b *Bus, handlers func() []func(E), ev E) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := handlers()
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}
