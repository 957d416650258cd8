package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPSource is the receiving side of a producer.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// RTPSink is the sending side of a consumer.
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
}

// Relay forwards the packets of one producer to all of its consumers.
type Relay struct {
	Producer domain.ProducerID
	src      RTPSource

	mu        sync.RWMutex
	outTracks map[domain.ConsumerID]*outTrackSink

	cancel context.CancelFunc
	done   chan struct{}
}

type outTrackSink struct {
	ot   *OutTrack
	sink RTPSink
}

func NewRelay(producer domain.ProducerID, src RTPSource, cancel context.CancelFunc) *Relay {
	return &Relay{
		Producer:  producer,
		src:       src,
		outTracks: make(map[domain.ConsumerID]*outTrackSink),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ConsumerID]*outTrackSink, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.ConsumerID
	for id, o := range snapshot {
		switch o.ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if err := o.sink.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", string(id)).Msg("relay write RTP error, marking outtrack as delete")
				o.ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outTracks {
		o.ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(id domain.ConsumerID, ot *OutTrack, sink RTPSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[id] = &outTrackSink{ot: ot, sink: sink}
}

func (r *Relay) RemoveOutTrack(id domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.outTracks[id]; ok {
		o.ot.MarkDelete()
		delete(r.outTracks, id)
	}
}

// Subscribers counts attached out tracks.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Stop cancels the loop. The source must also be closed to unblock a pending read.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
}
