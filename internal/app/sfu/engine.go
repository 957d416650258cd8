// Package sfu is the media relay engine: one router per voice channel and
// ORTC transports per peer, forwarding RTP from producers to consumers.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var ErrWrongDirection = errors.New("transport direction does not allow this operation")

type Config struct {
	ICEServers    []string
	NAT1To1IPs    []string
	UDPPortMin    uint16
	UDPPortMax    uint16
	GatherTimeout time.Duration
}

type producer struct {
	id        domain.ProducerID
	channel   domain.ChannelID
	transport domain.TransportID
	kind      domain.MediaKind
	codec     core.CodecCapability
	receiver  *webrtc.RTPReceiver
}

type consumer struct {
	id        domain.ConsumerID
	channel   domain.ChannelID
	producer  domain.ProducerID
	transport domain.TransportID
	sender    *webrtc.RTPSender
	out       *OutTrack
}

// Engine implements core.MediaRelay on pion/webrtc.
type Engine struct {
	api  *webrtc.API
	cfg  Config
	caps core.RtpCapabilities

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu         sync.RWMutex
	routers    map[domain.ChannelID]*Router
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer

	stateMu sync.RWMutex
	onState core.TransportStateFunc
}

var _ core.MediaRelay = (*Engine)(nil)

func NewEngine(cfg Config) (*Engine, error) {
	m, err := newMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	se := webrtc.SettingEngine{}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		cfg:        cfg,
		caps:       routerCapabilities(),
		ctx:        ctx,
		cancel:     cancel,
		routers:    make(map[domain.ChannelID]*Router),
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
	}, nil
}

func (e *Engine) OnTransportState(fn core.TransportStateFunc) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.onState = fn
}

func (e *Engine) emitState(id domain.TransportID, s domain.TransportState) {
	e.stateMu.RLock()
	fn := e.onState
	e.stateMu.RUnlock()
	if fn != nil {
		fn(id, s)
	}
}

func (e *Engine) iceOptions() webrtc.ICEGatherOptions {
	opts := webrtc.ICEGatherOptions{}
	if len(e.cfg.ICEServers) > 0 {
		opts.ICEServers = []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
	}
	return opts
}

// router returns the channel's router, creating it once under concurrent callers.
func (e *Engine) router(channel domain.ChannelID) *Router {
	e.mu.RLock()
	r, ok := e.routers[channel]
	e.mu.RUnlock()
	if ok {
		return r
	}
	v, _, _ := e.group.Do(string(channel), func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if r, ok := e.routers[channel]; ok {
			return r, nil
		}
		r := NewRouter(channel)
		e.routers[channel] = r
		log.Info().Str("module", "sfu").Str("channel", string(channel)).Msg("router created")
		return r, nil
	})
	return v.(*Router)
}

func (e *Engine) Capabilities(ctx context.Context, channel domain.ChannelID) (core.RtpCapabilities, error) {
	if err := ctx.Err(); err != nil {
		return core.RtpCapabilities{}, err
	}
	e.router(channel)
	return e.caps, nil
}

func (e *Engine) CreateTransport(ctx context.Context, channel domain.ChannelID, dir domain.Direction) (core.TransportInfo, error) {
	if !dir.Valid() {
		return core.TransportInfo{}, ErrWrongDirection
	}
	e.router(channel)
	t, info, err := newTransport(ctx, e.api, e.iceOptions(), e.cfg.GatherTimeout, channel, dir, e.emitState)
	if err != nil {
		return core.TransportInfo{}, err
	}
	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()
	return info, nil
}

func (e *Engine) transport(id domain.TransportID) (*transport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transports[id]
	if !ok {
		return nil, core.ErrUnknownTransport
	}
	return t, nil
}

func (e *Engine) ConnectTransport(ctx context.Context, id domain.TransportID, params core.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := e.transport(id)
	if err != nil {
		return err
	}
	return t.connect(params)
}

func (e *Engine) Produce(ctx context.Context, transportID domain.TransportID, params core.ProduceParams) (domain.ProducerID, error) {
	t, err := e.transport(transportID)
	if err != nil {
		return "", err
	}
	if t.direction != domain.DirectionSend {
		return "", ErrWrongDirection
	}
	codec, ok := matchCodec(params.RtpParameters.Codec, e.caps)
	if !ok || codec.Kind != params.Kind {
		return "", core.ErrIncompatible
	}
	if err := t.waitReady(ctx); err != nil {
		return "", err
	}

	receiver, err := e.api.NewRTPReceiver(codecType(params.Kind), t.dtls)
	if err != nil {
		return "", fmt.Errorf("rtp receiver: %w", err)
	}
	pt := params.RtpParameters.PayloadType
	if pt == 0 {
		pt = codec.PayloadType
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.RtpParameters.SSRC),
				PayloadType: webrtc.PayloadType(pt),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return "", fmt.Errorf("receive: %w", err)
	}

	p := &producer{
		id:        domain.ProducerID(uuid.NewString()),
		channel:   t.channel,
		transport: t.id,
		kind:      params.Kind,
		codec:     codec,
		receiver:  receiver,
	}
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	e.router(t.channel).StartRelay(e.ctx, p.id, remoteSource{track: receiver.Track()})
	log.Info().Str("module", "sfu").Str("producer", string(p.id)).Str("codec", codec.MimeType).Msg("producer created")
	return p.id, nil
}

func (e *Engine) Consume(
	ctx context.Context,
	transportID domain.TransportID,
	producerID domain.ProducerID,
	caps core.RtpCapabilities,
) (core.ConsumerInfo, error) {
	if err := ctx.Err(); err != nil {
		return core.ConsumerInfo{}, err
	}
	t, err := e.transport(transportID)
	if err != nil {
		return core.ConsumerInfo{}, err
	}
	if t.direction != domain.DirectionRecv {
		return core.ConsumerInfo{}, ErrWrongDirection
	}
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return core.ConsumerInfo{}, core.ErrUnknownProducer
	}
	if _, ok := matchCodec(p.codec, caps); !ok {
		return core.ConsumerInfo{}, core.ErrIncompatible
	}

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(rtpCapability(p.codec), string(id), string(producerID))
	if err != nil {
		return core.ConsumerInfo{}, fmt.Errorf("local track: %w", err)
	}
	sender, err := e.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return core.ConsumerInfo{}, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return core.ConsumerInfo{}, fmt.Errorf("send: %w", err)
	}
	go drainRTCP(sender)

	c := &consumer{
		id:        id,
		channel:   t.channel,
		producer:  producerID,
		transport: t.id,
		sender:    sender,
		out:       NewOutTrack(track),
	}
	if !e.router(p.channel).AddSubscriber(producerID, id, c.out, track) {
		_ = sender.Stop()
		return core.ConsumerInfo{}, core.ErrUnknownProducer
	}
	e.mu.Lock()
	e.consumers[id] = c
	e.mu.Unlock()

	var ssrc uint32
	if len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}
	return core.ConsumerInfo{
		ID:         id,
		ProducerID: producerID,
		Kind:       p.kind,
		RtpParameters: core.RtpParameters{
			Codec:       p.codec,
			PayloadType: p.codec.PayloadType,
			SSRC:        ssrc,
		},
		Paused: true,
	}, nil
}

func (e *Engine) consumer(id domain.ConsumerID) (*consumer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.consumers[id]
	if !ok {
		return nil, core.ErrUnknownConsumer
	}
	return c, nil
}

func (e *Engine) ResumeConsumer(ctx context.Context, id domain.ConsumerID) error {
	c, err := e.consumer(id)
	if err != nil {
		return err
	}
	if !c.out.MarkOk() {
		return core.ErrUnknownConsumer
	}
	return ctx.Err()
}

func (e *Engine) PauseConsumer(ctx context.Context, id domain.ConsumerID) error {
	c, err := e.consumer(id)
	if err != nil {
		return err
	}
	if !c.out.MarkMuted() {
		return core.ErrUnknownConsumer
	}
	return ctx.Err()
}

func (e *Engine) CloseConsumer(id domain.ConsumerID) error {
	e.mu.Lock()
	c, ok := e.consumers[id]
	if !ok {
		e.mu.Unlock()
		return core.ErrUnknownConsumer
	}
	delete(e.consumers, id)
	r := e.routers[c.channel]
	e.mu.Unlock()

	if r != nil {
		r.RemoveSubscriber(c.producer, id)
	}
	c.out.MarkDelete()
	if err := c.sender.Stop(); err != nil {
		log.Debug().Str("module", "sfu").Str("consumer", string(id)).Err(err).Msg("sender stop")
	}
	return nil
}

// CloseProducer stops the producer and every consumer fed by it.
func (e *Engine) CloseProducer(id domain.ProducerID) error {
	e.mu.Lock()
	p, ok := e.producers[id]
	if !ok {
		e.mu.Unlock()
		return core.ErrUnknownProducer
	}
	delete(e.producers, id)
	var fed []domain.ConsumerID
	for cid, c := range e.consumers {
		if c.producer == id {
			fed = append(fed, cid)
		}
	}
	r := e.routers[p.channel]
	e.mu.Unlock()

	for _, cid := range fed {
		_ = e.CloseConsumer(cid)
	}
	if r != nil {
		r.StopRelay(id)
	}
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Str("module", "sfu").Str("producer", string(id)).Err(err).Msg("receiver stop")
	}
	log.Info().Str("module", "sfu").Str("producer", string(id)).Int("consumers", len(fed)).Msg("producer closed")
	return nil
}

// CloseTransport closes a transport with everything created on it.
func (e *Engine) CloseTransport(id domain.TransportID) error {
	e.mu.Lock()
	t, ok := e.transports[id]
	delete(e.transports, id)
	var producers []domain.ProducerID
	var consumers []domain.ConsumerID
	for pid, p := range e.producers {
		if p.transport == id {
			producers = append(producers, pid)
		}
	}
	for cid, c := range e.consumers {
		if c.transport == id {
			consumers = append(consumers, cid)
		}
	}
	e.mu.Unlock()
	if !ok {
		return core.ErrUnknownTransport
	}
	for _, cid := range consumers {
		_ = e.CloseConsumer(cid)
	}
	for _, pid := range producers {
		_ = e.CloseProducer(pid)
	}
	t.close()
	return nil
}

// CloseRouter releases everything left in the channel.
func (e *Engine) CloseRouter(channel domain.ChannelID) error {
	e.mu.Lock()
	r, ok := e.routers[channel]
	delete(e.routers, channel)
	var transports []domain.TransportID
	for id, t := range e.transports {
		if t.channel == channel {
			transports = append(transports, id)
		}
	}
	e.mu.Unlock()
	for _, id := range transports {
		_ = e.CloseTransport(id)
	}
	if ok {
		r.Close()
	}
	return nil
}

// Stats reports live object counts.
func (e *Engine) Stats() (routers, transports, producers, consumers int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.routers), len(e.transports), len(e.producers), len(e.consumers)
}

// Close shuts every router down.
func (e *Engine) Close() {
	e.mu.RLock()
	channels := make([]domain.ChannelID, 0, len(e.routers))
	for ch := range e.routers {
		channels = append(channels, ch)
	}
	e.mu.RUnlock()
	for _, ch := range channels {
		_ = e.CloseRouter(ch)
	}
	e.cancel()
}

type remoteSource struct {
	track *webrtc.TrackRemote
}

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

// drainRTCP keeps the sender's interceptors running until it stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
