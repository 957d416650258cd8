package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyConnected = errors.New("transport already connected")

// transport is one ICE+DTLS pipe of a peer built on the ORTC objects.
type transport struct {
	id        domain.TransportID
	channel   domain.ChannelID
	direction domain.Direction

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	onState func(domain.TransportState)
	logger  zerolog.Logger
}

func newTransport(
	ctx context.Context,
	api *webrtc.API,
	opts webrtc.ICEGatherOptions,
	gatherTimeout time.Duration,
	channel domain.ChannelID,
	dir domain.Direction,
	onState func(domain.TransportID, domain.TransportState),
) (*transport, core.TransportInfo, error) {
	id := domain.TransportID(uuid.NewString())
	t := &transport{
		id:        id,
		channel:   channel,
		direction: dir,
		ready:     make(chan struct{}),
		onState:   func(s domain.TransportState) { onState(id, s) },
		logger: log.With().Str("module", "sfu.transport").Str("transport", string(id)).
			Str("direction", string(dir)).Logger(),
	}

	gatherer, err := api.NewICEGatherer(opts)
	if err != nil {
		return nil, core.TransportInfo{}, fmt.Errorf("ice gatherer: %w", err)
	}
	t.gatherer = gatherer
	t.ice = api.NewICETransport(gatherer)
	t.dtls, err = api.NewDTLSTransport(t.ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, core.TransportInfo{}, fmt.Errorf("dtls transport: %w", err)
	}
	t.bindStateHandlers()

	info, err := t.gather(ctx, gatherTimeout)
	if err != nil {
		t.close()
		return nil, core.TransportInfo{}, err
	}
	return t, info, nil
}

func (t *transport) bindStateHandlers() {
	t.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICETransportStateChecking:
			t.onState(domain.TransportConnecting)
		case webrtc.ICETransportStateDisconnected:
			t.onState(domain.TransportDisconnected)
		case webrtc.ICETransportStateFailed:
			t.onState(domain.TransportFailed)
		}
	})
	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		switch s {
		case webrtc.DTLSTransportStateConnected:
			t.readyOnce.Do(func() { close(t.ready) })
			t.onState(domain.TransportConnected)
		case webrtc.DTLSTransportStateFailed:
			t.onState(domain.TransportFailed)
		case webrtc.DTLSTransportStateClosed:
			t.onState(domain.TransportClosed)
		}
	})
}

// gather collects every local candidate before answering.
func (t *transport) gather(ctx context.Context, timeout time.Duration) (core.TransportInfo, error) {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return core.TransportInfo{}, fmt.Errorf("gather: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.logger.Warn().Msg("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return core.TransportInfo{}, ctx.Err()
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return core.TransportInfo{}, err
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return core.TransportInfo{}, err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return core.TransportInfo{}, err
	}
	return core.TransportInfo{
		ID:             t.id,
		Direction:      t.direction,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

// connect applies the remote parameters and starts ICE and DTLS in the
// background. Completion is reported through the state callback.
func (t *transport) connect(params core.ConnectParams) error {
	if !t.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
			t.logger.Error().Err(err).Msg("ICE start failed")
			t.onState(domain.TransportFailed)
			return
		}
		if err := t.dtls.Start(params.DTLSParameters); err != nil {
			t.logger.Error().Err(err).Msg("DTLS start failed")
			t.onState(domain.TransportFailed)
		}
	}()
	return nil
}

// waitReady blocks until DTLS is up; SRTP streams need it.
func (t *transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", core.ErrTransportNotReady, ctx.Err())
	}
}

func (t *transport) close() {
	t.closeOnce.Do(func() {
		if err := t.dtls.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("dtls stop")
		}
		if err := t.ice.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("ice stop")
		}
		if err := t.gatherer.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("gatherer close")
		}
		t.logger.Info().Msg("closed")
	})
}
