package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Router holds the relays of one voice channel.
type Router struct {
	Channel domain.ChannelID

	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
	logger zerolog.Logger
}

func NewRouter(channel domain.ChannelID) *Router {
	return &Router{
		Channel: channel,
		relays:  make(map[domain.ProducerID]*Relay),
		logger:  log.With().Str("module", "sfu.router").Str("channel", string(channel)).Logger(),
	}
}

// StartRelay creates a relay for the producer and starts its loop.
func (r *Router) StartRelay(ctx context.Context, producer domain.ProducerID, src RTPSource) *Relay {
	logger := r.logger.With().Str("producer", string(producer)).Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(producer, src, cancel)

	r.mu.Lock()
	if old, ok := r.relays[producer]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.Stop()
	}
	r.relays[producer] = relay
	r.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches a consumer's out track to the producer's relay.
func (r *Router) AddSubscriber(producer domain.ProducerID, consumer domain.ConsumerID, ot *OutTrack, sink RTPSink) bool {
	r.mu.RLock()
	relay, ok := r.relays[producer]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumer, ot, sink)
	return true
}

func (r *Router) RemoveSubscriber(producer domain.ProducerID, consumer domain.ConsumerID) {
	r.mu.RLock()
	relay, ok := r.relays[producer]
	r.mu.RUnlock()
	if ok {
		relay.RemoveOutTrack(consumer)
	}
}

// StopRelay stops a relay and removes it from the router.
func (r *Router) StopRelay(producer domain.ProducerID) {
	r.mu.Lock()
	relay, ok := r.relays[producer]
	if ok {
		delete(r.relays, producer)
	}
	r.mu.Unlock()
	if ok {
		relay.Stop()
	}
}

func (r *Router) HasRelay(producer domain.ProducerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.relays[producer]
	return ok
}

// Close stops every relay.
func (r *Router) Close() {
	r.mu.Lock()
	relays := r.relays
	r.relays = make(map[domain.ProducerID]*Relay)
	r.mu.Unlock()
	for _, relay := range relays {
		relay.Stop()
	}
	r.logger.Info().Int("relays", len(relays)).Msg("router closed")
}
