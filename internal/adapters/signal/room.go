package signal

import (
	"context"
	"errors"

	"github.com/dkeye/voicehub/internal/app/orch"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many join attempts")

func (ctl *SignalWSController) handleJoin(ctx context.Context, c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.JoinChannel](ctl, c, env, data)
	if !ok {
		return
	}
	logger := log.With().Str("module", "signal").Str("user", string(c.user)).Str("channel", string(p.ChannelID)).Logger()

	if ctl.Limiter != nil && !ctl.Limiter.Allow(c.user) {
		logger.Warn().Msg("join rate limited")
		ctl.sendError(c, env.RequestID, protocol.CodeRateLimited, ErrRateLimited)
		return
	}

	if p.Name != "" {
		if err := domain.ValidateUsername(p.Name); err != nil {
			ctl.sendError(c, env.RequestID, protocol.CodeInvalidName, err)
			return
		}
	}

	outcome, err := ctl.Orch.Join(ctx, c.user, p.ChannelID)
	if err != nil {
		logger.Error().Err(err).Msg("join failed")
		ctl.sendError(c, env.RequestID, protocol.CodeJoinFailed, err)
		return
	}
	switch outcome {
	case orch.JoinDenied, orch.JoinUnknownChannel:
		logger.Info().Int("outcome", int(outcome)).Msg("join not granted")
		return
	default:
		logger.Info().Msg("join")
	}

	if p.Name != "" {
		if err := ctl.Orch.Rename(c.user, p.Name); err != nil {
			ctl.sendError(c, env.RequestID, protocol.CodeInvalidName, err)
			return
		}
		logger.Info().Str("name", p.Name).Msg("rename on join")
	}
}

// handleLeave leaves the voice channel; the connection stays open.
func (ctl *SignalWSController) handleLeave(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.LeaveChannel](ctl, c, env, data)
	if !ok {
		return
	}
	if !ctl.Orch.Leave(c.user, p.ChannelID) {
		log.Debug().Str("module", "signal").Str("user", string(c.user)).Msg("leave: not in channel")
	}
}
