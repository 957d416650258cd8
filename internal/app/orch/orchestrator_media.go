package orch

import (
	"context"
	"errors"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/rs/zerolog/log"
)

// GetCapabilities answers the router capabilities of the user's channel.
// Any failure here aborts the join: the user leaves the channel.
func (o *Orchestrator) GetCapabilities(user domain.UserID, requestID string, ch domain.ChannelID) error {
	s, err := o.session(user, ch)
	if err != nil {
		return o.reject(user, requestID, protocol.CodeJoinFailed, err)
	}
	err = s.Step(func(ctx context.Context) error {
		if err := s.Require(app.PhaseNew, app.PhaseReady, app.PhaseActive); err != nil {
			return err
		}
		caps, err := negotiate(o, ctx, user, requestID, "capabilities",
			func(ctx context.Context) (core.RtpCapabilities, error) { return o.Relay.Capabilities(ctx, ch) }, nil)
		if err != nil {
			return err
		}
		if s.Phase() != app.PhaseActive {
			if err := s.Advance(app.EventCapabilities); err != nil {
				return err
			}
		}
		return o.Outbox.Send(user, protocol.Capabilities{
			Type:            protocol.TypeCapabilities,
			RequestID:       requestID,
			ChannelID:       ch,
			RtpCapabilities: caps,
		})
	})
	if err != nil {
		_ = o.reject(user, requestID, protocol.CodeJoinFailed, err)
		o.Leave(user, ch)
		return err
	}
	return nil
}

// CreateTransport creates the send or recv transport of the user's session.
// Creating the recv transport replays queued announcements and announces
// every producer already live in the channel.
func (o *Orchestrator) CreateTransport(user domain.UserID, requestID string, ch domain.ChannelID, dir domain.Direction) error {
	s, err := o.session(user, ch)
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	err = s.Step(func(ctx context.Context) error {
		if err := s.Require(app.PhaseReady, app.PhaseActive); err != nil {
			return err
		}
		if _, ok := s.Transport(dir); ok {
			return app.ErrTransportSet
		}
		info, err := negotiate(o, ctx, user, requestID, "create-transport",
			func(ctx context.Context) (core.TransportInfo, error) { return o.Relay.CreateTransport(ctx, ch, dir) },
			func(info core.TransportInfo) { _ = o.Relay.CloseTransport(info.ID) })
		if err != nil {
			return err
		}
		if err := s.SetTransport(dir, info.ID); err != nil {
			_ = o.Relay.CloseTransport(info.ID)
			return err
		}
		if err := s.Advance(app.EventTransport); err != nil {
			return err
		}
		_ = o.Outbox.Send(user, protocol.TransportCreated{
			Type:          protocol.TypeTransportCreated,
			RequestID:     requestID,
			TransportInfo: info,
		})
		if dir == domain.DirectionRecv {
			return o.catchUp(ctx, s)
		}
		return nil
	})
	if err != nil {
		return o.stepFailed(s, requestID, err)
	}
	return nil
}

// catchUp replays the queued buffer in arrival order, then announces every
// producer of the channel the session has not heard of yet.
func (o *Orchestrator) catchUp(ctx context.Context, s *app.PeerSession) error {
	for _, q := range s.MarkRecvReady() {
		switch q.Kind {
		case app.QueuedAnnounce:
			if _, live := o.Owners.Lookup(q.Producer.ID); live {
				o.sendNewProducer(s.User, q.Producer)
			}
		case app.QueuedConsume:
			err := o.consume(ctx, s, q.RequestID, q.Producer.ID, q.Caps)
			if errors.Is(err, app.ErrNegotiationTimeout) {
				return err
			}
			if err != nil {
				_ = o.reject(s.User, q.RequestID, protocol.CodeNegotiationFailed, err)
			}
		}
	}
	for _, p := range o.Owners.InChannel(s.Channel) {
		if p.Owner != s.User && s.AnnounceOrQueue(p) {
			o.sendNewProducer(s.User, p)
		}
	}
	return nil
}

func (o *Orchestrator) ConnectTransport(user domain.UserID, requestID string, id domain.TransportID, params core.ConnectParams) error {
	s, err := o.session(user, "")
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	if _, ok := s.DirectionOf(id); !ok {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, core.ErrUnknownTransport)
	}
	err = s.Step(func(ctx context.Context) error {
		_, err := negotiate(o, ctx, user, requestID, "connect-transport",
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, o.Relay.ConnectTransport(ctx, id, params)
			}, nil)
		if err != nil {
			return err
		}
		return o.Outbox.Send(user, protocol.TransportConnected{
			Type:        protocol.TypeTransportConnected,
			RequestID:   requestID,
			TransportID: id,
		})
	})
	if err != nil {
		return o.stepFailed(s, requestID, err)
	}
	return nil
}

// ProduceRequest carries a produce step from the wire.
type ProduceRequest struct {
	Channel       domain.ChannelID
	Transport     domain.TransportID
	Kind          domain.MediaKind
	SourceTag     string
	RtpParameters core.RtpParameters
}

func (o *Orchestrator) Produce(user domain.UserID, requestID string, req ProduceRequest) error {
	s, err := o.session(user, req.Channel)
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	tag, err := domain.ParseSourceTag(req.SourceTag)
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	if tag.Kind() != req.Kind {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, ErrKindMismatch)
	}

	var info app.ProducerInfo
	err = s.Step(func(ctx context.Context) error {
		if err := s.Require(app.PhaseActive); err != nil {
			return err
		}
		if send, ok := s.Transport(domain.DirectionSend); !ok || send != req.Transport {
			return core.ErrUnknownTransport
		}
		if _, busy := s.Producer(tag); busy {
			return app.ErrSourceBusy
		}
		id, err := negotiate(o, ctx, user, requestID, "produce",
			func(ctx context.Context) (domain.ProducerID, error) {
				return o.Relay.Produce(ctx, req.Transport, core.ProduceParams{
					Kind:          req.Kind,
					SourceTag:     tag,
					RtpParameters: req.RtpParameters,
				})
			},
			func(id domain.ProducerID) { _ = o.Relay.CloseProducer(id) })
		if err != nil {
			return err
		}
		if err := s.AddProducer(tag, id); err != nil {
			_ = o.Relay.CloseProducer(id)
			return err
		}
		info = app.ProducerInfo{ID: id, Owner: user, Channel: s.Channel, Tag: tag, Kind: req.Kind}
		if err := o.Owners.Add(info); err != nil {
			s.RemoveProducer(id)
			_ = o.Relay.CloseProducer(id)
			return err
		}
		_ = o.Outbox.Send(user, protocol.ProducerCreated{
			Type:       protocol.TypeProducerCreated,
			RequestID:  requestID,
			ProducerID: id,
			SourceTag:  tag,
		})
		// teardown waits for the step, so producer-closed always follows this
		o.announce(info)
		return nil
	})
	if err != nil {
		return o.stepFailed(s, requestID, err)
	}

	o.Bus.PublishProducer(app.ProducerEvent{Producer: info})
	o.Outbox.BroadcastAll(o.voiceStateUpdate(user))
	log.Info().Str("module", "orch").Str("user", string(user)).Str("producer", string(info.ID)).
		Str("tag", string(tag)).Msg("producer created")
	return nil
}

// announce fans a new producer out to every other member of its channel.
func (o *Orchestrator) announce(p app.ProducerInfo) {
	for _, m := range o.Presence.Members(p.Channel) {
		if m == p.Owner {
			continue
		}
		s, ok := o.Sessions.Get(m)
		if !ok || s.Channel != p.Channel {
			continue
		}
		if s.AnnounceOrQueue(p) {
			o.sendNewProducer(m, p)
		}
	}
}

func (o *Orchestrator) sendNewProducer(to domain.UserID, p app.ProducerInfo) {
	_ = o.Outbox.Send(to, protocol.NewProducer{
		Type:        protocol.TypeNewProducer,
		ChannelID:   p.Channel,
		ProducerID:  p.ID,
		OwnerUserID: p.Owner,
		SourceTag:   p.Tag,
	})
}

// GetExistingProducers re-announces every live producer of the channel,
// including ones the session has already been told about.
func (o *Orchestrator) GetExistingProducers(user domain.UserID, requestID string, ch domain.ChannelID) error {
	s, err := o.session(user, ch)
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	ready := s.RecvReady()
	for _, p := range o.Owners.InChannel(ch) {
		if p.Owner == user {
			continue
		}
		if ready || s.AnnounceOrQueue(p) {
			o.sendNewProducer(user, p)
		}
	}
	return nil
}

func (o *Orchestrator) Consume(
	user domain.UserID,
	requestID string,
	ch domain.ChannelID,
	producer domain.ProducerID,
	caps core.RtpCapabilities,
) error {
	s, err := o.session(user, ch)
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	err = s.Step(func(ctx context.Context) error {
		if err := s.Require(app.PhaseReady, app.PhaseActive); err != nil {
			return err
		}
		return o.consume(ctx, s, requestID, producer, caps)
	})
	if err != nil {
		return o.stepFailed(s, requestID, err)
	}
	return nil
}

// consume runs inside the session step.
func (o *Orchestrator) consume(
	ctx context.Context,
	s *app.PeerSession,
	requestID string,
	producer domain.ProducerID,
	caps core.RtpCapabilities,
) error {
	p, ok := o.Owners.Lookup(producer)
	if !ok {
		return core.ErrUnknownProducer
	}
	if p.Owner == s.User {
		return ErrSelfConsume
	}
	if p.Channel != s.Channel {
		return ErrNotInChannel
	}
	if existing, ok := s.Consumer(producer); ok {
		return o.sendConsumer(s.User, requestID, existing)
	}
	if s.QueueConsume(app.QueuedAnnouncement{Producer: p, RequestID: requestID, Caps: caps}) {
		log.Debug().Str("module", "orch").Str("user", string(s.User)).Str("producer", string(producer)).
			Msg("consume queued until recv transport exists")
		return nil
	}

	recv, _ := s.Transport(domain.DirectionRecv)
	info, err := negotiate(o, ctx, s.User, requestID, "consume",
		func(ctx context.Context) (core.ConsumerInfo, error) {
			return o.Relay.Consume(ctx, recv, producer, caps)
		},
		func(c core.ConsumerInfo) { _ = o.Relay.CloseConsumer(c.ID) })
	if err != nil {
		return err
	}
	if !s.AddConsumer(info) {
		_ = o.Relay.CloseConsumer(info.ID)
		return app.ErrSessionClosed
	}
	// the producer may have closed while the relay was answering
	if _, live := o.Owners.Lookup(producer); !live {
		s.RemoveConsumer(producer)
		_ = o.Relay.CloseConsumer(info.ID)
		return core.ErrUnknownProducer
	}
	o.Bus.PublishConsumer(app.ConsumerEvent{User: s.User, Consumer: info.ID})
	return o.sendConsumer(s.User, requestID, info)
}

func (o *Orchestrator) sendConsumer(user domain.UserID, requestID string, info core.ConsumerInfo) error {
	return o.Outbox.Send(user, protocol.ConsumerCreated{
		Type:         protocol.TypeConsumerCreated,
		RequestID:    requestID,
		ConsumerInfo: info,
	})
}

// SetConsumerPaused resumes or pauses the consumer of producer.
func (o *Orchestrator) SetConsumerPaused(user domain.UserID, requestID string, producer domain.ProducerID, paused bool) error {
	s, err := o.session(user, "")
	if err != nil {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, err)
	}
	c, ok := s.Consumer(producer)
	if !ok {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, ErrNoConsumer)
	}
	step := "resume-consumer"
	if paused {
		step = "pause-consumer"
	}
	err = s.Step(func(ctx context.Context) error {
		_, err := negotiate(o, ctx, user, requestID, step,
			func(ctx context.Context) (struct{}, error) {
				if paused {
					return struct{}{}, o.Relay.PauseConsumer(ctx, c.ID)
				}
				return struct{}{}, o.Relay.ResumeConsumer(ctx, c.ID)
			}, nil)
		if err != nil {
			return err
		}
		s.SetConsumerPaused(producer, paused)
		return nil
	})
	if err != nil {
		return o.stepFailed(s, requestID, err)
	}
	return nil
}

// CloseProducer closes a producer on its owner's request.
func (o *Orchestrator) CloseProducer(user domain.UserID, requestID string, producer domain.ProducerID) error {
	p, ok := o.Owners.Lookup(producer)
	if !ok {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, core.ErrUnknownProducer)
	}
	if p.Owner != user {
		return o.reject(user, requestID, protocol.CodeNegotiationFailed, ErrNotOwner)
	}
	o.closeProducer(producer)
	return nil
}

// closeProducer removes a producer everywhere: relay, ownership index, the
// owner's session, every consumer of it and every queued announcement.
// All other channel members get producer-closed.
func (o *Orchestrator) closeProducer(id domain.ProducerID) {
	p, ok := o.Owners.Remove(id)
	if !ok {
		return
	}
	if err := o.Relay.CloseProducer(id); err != nil && !errors.Is(err, core.ErrUnknownProducer) {
		log.Warn().Str("module", "orch").Str("producer", string(id)).Err(err).Msg("close producer failed")
	}
	if s, ok := o.Sessions.Get(p.Owner); ok {
		s.RemoveProducer(id)
	}
	for _, s := range o.Sessions.InChannel(p.Channel) {
		s.Purge(id)
		if c, ok := s.RemoveConsumer(id); ok {
			if err := o.Relay.CloseConsumer(c.ID); err != nil && !errors.Is(err, core.ErrUnknownConsumer) {
				log.Warn().Str("module", "orch").Str("consumer", string(c.ID)).Err(err).Msg("close consumer failed")
			}
			o.Bus.PublishConsumer(app.ConsumerEvent{User: s.User, Consumer: c.ID, Closed: true})
		}
	}

	others := make([]domain.UserID, 0)
	for _, m := range o.Presence.Members(p.Channel) {
		if m != p.Owner {
			others = append(others, m)
		}
	}
	o.Outbox.Broadcast(others, protocol.ProducerClosed{Type: protocol.TypeProducerClosed, ProducerID: id})
	o.Bus.PublishProducer(app.ProducerEvent{Producer: p, Closed: true})
	o.Outbox.BroadcastAll(o.voiceStateUpdate(p.Owner))
	log.Info().Str("module", "orch").Str("user", string(p.Owner)).Str("producer", string(id)).Msg("producer closed")
}

// reject answers a failed request with an error message.
func (o *Orchestrator) reject(user domain.UserID, requestID, code string, err error) error {
	_ = o.Outbox.Send(user, protocol.NewError(requestID, code, err))
	return err
}

// stepFailed reports a failed negotiation step. A timed out step is fatal:
// the session is torn down and recovery scheduled.
func (o *Orchestrator) stepFailed(s *app.PeerSession, requestID string, err error) error {
	_ = o.reject(s.User, requestID, protocol.CodeNegotiationFailed, err)
	if errors.Is(err, app.ErrNegotiationTimeout) {
		log.Warn().Str("module", "orch").Str("user", string(s.User)).Msg("negotiation timed out")
		o.failSession(s, "negotiation timeout")
	}
	return err
}
