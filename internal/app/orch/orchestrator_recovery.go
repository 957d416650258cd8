package orch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/rs/zerolog/log"
)

type recovery struct {
	policy  backoff.BackOff
	attempt int
	timer   *time.Timer
}

func (r *recovery) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (o *Orchestrator) newRecoveryPolicy() backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(o.opts.RecoveryDelay)
	if o.opts.MaxRecoveryAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(o.opts.MaxRecoveryAttempts))
	}
	return b
}

// TransportState handles a connectivity report from the client.
func (o *Orchestrator) TransportState(user domain.UserID, id domain.TransportID, state domain.TransportState) {
	s, ok := o.Sessions.Get(user)
	if !ok {
		return
	}
	if _, mine := s.DirectionOf(id); !mine {
		log.Debug().Str("module", "orch").Str("user", string(user)).Str("transport", string(id)).Msg("state for foreign transport ignored")
		return
	}
	o.transportState(s, id, state)
}

func (o *Orchestrator) onRelayTransportState(id domain.TransportID, state domain.TransportState) {
	s, _, ok := o.Sessions.ByTransport(id)
	if !ok {
		return
	}
	o.transportState(s, id, state)
}

func (o *Orchestrator) transportState(s *app.PeerSession, id domain.TransportID, state domain.TransportState) {
	o.Bus.PublishTransport(app.TransportEvent{User: s.User, Channel: s.Channel, Transport: id, State: state})
	switch {
	case state == domain.TransportConnected:
		o.resetRecovery(s.User)
	case state.Fatal():
		log.Warn().Str("module", "orch").Str("user", string(s.User)).Str("transport", string(id)).Msg("transport failed")
		o.failSession(s, "transport failed")
	}
}

// failSession tears a failed session down and schedules a fresh one.
// When the retry budget is spent the user leaves the channel instead.
func (o *Orchestrator) failSession(s *app.PeerSession, reason string) {
	if !o.Sessions.Remove(s.User, s) {
		return
	}
	s.Fail()
	o.teardownSession(s)
	o.Outbox.BroadcastAll(o.voiceStateUpdate(s.User))

	user, ch := s.User, s.Channel
	delay, attempt, ok := o.scheduleRecovery(user, ch)
	logger := log.With().Str("module", "orch").Str("user", string(user)).Str("channel", string(ch)).Str("reason", reason).Logger()
	if !ok {
		logger.Warn().Msg("recovery attempts exhausted, leaving channel")
		o.Bus.PublishRecovery(app.RecoveryEvent{User: user, Channel: ch, Attempt: attempt, GaveUp: true})
		o.Leave(user, ch)
		return
	}
	logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("session failed, recovery scheduled")
	_ = o.Outbox.Send(user, protocol.SessionFailed{
		Type:      protocol.TypeSessionFailed,
		ChannelID: ch,
		RetryInMs: delay.Milliseconds(),
	})
}

func (o *Orchestrator) scheduleRecovery(user domain.UserID, ch domain.ChannelID) (time.Duration, int, bool) {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	r, ok := o.recovery[user]
	if !ok {
		r = &recovery{policy: o.newRecoveryPolicy()}
		o.recovery[user] = r
	}
	r.stop()
	delay := r.policy.NextBackOff()
	if delay == backoff.Stop {
		delete(o.recovery, user)
		return 0, r.attempt, false
	}
	r.attempt++
	attempt := r.attempt
	r.timer = time.AfterFunc(delay, func() { o.rejoin(user, ch, attempt) })
	return delay, attempt, true
}

// rejoin gives the user a fresh session and asks the client to renegotiate.
func (o *Orchestrator) rejoin(user domain.UserID, ch domain.ChannelID, attempt int) {
	o.recMu.Lock()
	r, ok := o.recovery[user]
	if !ok || r.attempt != attempt {
		o.recMu.Unlock()
		return
	}
	r.timer = nil
	o.recMu.Unlock()

	if !o.Presence.IsMember(ch, user) {
		log.Debug().Str("module", "orch").Str("user", string(user)).Msg("recovery skipped: user left channel")
		return
	}
	if _, ok := o.Sessions.Get(user); ok {
		return
	}
	_, stale := o.Sessions.Create(o.ctx, user, ch)
	if stale != nil {
		o.teardownSession(stale)
	}
	o.Bus.PublishRecovery(app.RecoveryEvent{User: user, Channel: ch, Attempt: attempt})
	_ = o.Outbox.Send(user, protocol.Rejoin{Type: protocol.TypeRejoin, ChannelID: ch, Attempt: attempt})
	log.Info().Str("module", "orch").Str("user", string(user)).Str("channel", string(ch)).Int("attempt", attempt).Msg("rejoin sent")
}

func (o *Orchestrator) resetRecovery(user domain.UserID) {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	if r, ok := o.recovery[user]; ok && r.timer == nil {
		delete(o.recovery, user)
	}
}

func (o *Orchestrator) cancelRecovery(user domain.UserID) {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	if r, ok := o.recovery[user]; ok {
		r.stop()
		delete(o.recovery, user)
	}
}
