package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/rs/zerolog/log"
)

type JoinOutcome int

const (
	Joined JoinOutcome = iota
	AlreadyMember
	JoinDenied
	JoinUnknownChannel
)

// Join places user into a voice channel. Unknown channels and permission
// denials are silent: nothing is sent and the caller gets the outcome only.
func (o *Orchestrator) Join(ctx context.Context, user domain.UserID, id domain.ChannelID) (JoinOutcome, error) {
	logger := log.With().Str("module", "orch").Str("user", string(user)).Str("channel", string(id)).Logger()

	ch, err := o.Channels.VoiceChannel(ctx, id)
	if errors.Is(err, core.ErrUnknownChannel) {
		logger.Debug().Msg("join ignored: unknown channel")
		return JoinUnknownChannel, nil
	}
	if err != nil {
		return JoinDenied, fmt.Errorf("resolve channel: %w", err)
	}
	if v := o.Gate.Check(ctx, ch, user); !v.Allowed() {
		logger.Info().Str("verdict", v.String()).Msg("join denied")
		return JoinDenied, nil
	}

	if cur, ok := o.Presence.ChannelOf(user); ok {
		if cur == ch.ID {
			o.sendExistingMembers(user, ch.ID, o.Presence.Members(ch.ID))
			return AlreadyMember, nil
		}
		o.Leave(user, cur)
	}

	self, _ := o.Registry.User(user)
	var count int
	_, joined := o.Presence.Join(ch.ID, user, func(members []domain.UserID) {
		count = len(members)
		o.Outbox.Broadcast(members, protocol.UserJoined{
			Type:      protocol.TypeUserJoined,
			ChannelID: ch.ID,
			UserID:    user,
			User:      self,
		})
		o.sendExistingMembers(user, ch.ID, members)
	})
	if !joined {
		return AlreadyMember, nil
	}
	o.Bus.PublishPresence(app.PresenceEvent{Channel: ch.ID, User: user, Joined: true, Members: count})
	o.Outbox.BroadcastAll(o.voiceStateUpdate(user))

	_, stale := o.Sessions.Create(o.ctx, user, ch.ID)
	if stale != nil {
		o.teardownSession(stale)
	}
	logger.Info().Int("members", count).Msg("joined voice channel")
	return Joined, nil
}

func (o *Orchestrator) sendExistingMembers(user domain.UserID, ch domain.ChannelID, members []domain.UserID) {
	others := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		if m != user {
			others = append(others, m)
		}
	}
	_ = o.Outbox.Send(user, protocol.ExistingMembers{
		Type:      protocol.TypeExistingMembers,
		ChannelID: ch,
		Members:   o.users(others),
	})
}

// Leave removes user from ch, tears the session down and reclaims the relay
// router once the channel is empty. It reports false if the user was not there.
func (o *Orchestrator) Leave(user domain.UserID, ch domain.ChannelID) bool {
	var count int
	left := o.Presence.Leave(ch, user, func(members []domain.UserID) {
		count = len(members)
		o.Outbox.Broadcast(members, protocol.UserLeft{
			Type:      protocol.TypeUserLeft,
			ChannelID: ch,
			UserID:    user,
		})
	})
	if !left {
		return false
	}
	o.cancelRecovery(user)
	if s, ok := o.Sessions.Get(user); ok && s.Channel == ch && o.Sessions.Remove(user, s) {
		o.teardownSession(s)
	}
	o.Outbox.BroadcastAll(o.voiceStateUpdate(user))
	o.Bus.PublishPresence(app.PresenceEvent{Channel: ch, User: user, Joined: false, Members: count})

	if count == 0 && o.Presence.Count(ch) == 0 {
		if err := o.Relay.CloseRouter(ch); err != nil {
			log.Warn().Str("module", "orch").Str("channel", string(ch)).Err(err).Msg("close router failed")
		}
	}
	log.Info().Str("module", "orch").Str("user", string(user)).Str("channel", string(ch)).Msg("left voice channel")
	return true
}

// teardownSession releases every relay object of a session. The session
// must already be detached from the session table.
func (o *Orchestrator) teardownSession(s *app.PeerSession) {
	res, ok := s.Close()
	if !ok {
		return
	}
	for _, c := range res.Consumers {
		if err := o.Relay.CloseConsumer(c); err != nil && !errors.Is(err, core.ErrUnknownConsumer) {
			log.Warn().Str("module", "orch").Str("consumer", string(c)).Err(err).Msg("close consumer failed")
		}
		o.Bus.PublishConsumer(app.ConsumerEvent{User: s.User, Consumer: c, Closed: true})
	}
	for _, p := range res.Producers {
		o.closeProducer(p)
	}
	for _, t := range res.Transports {
		if err := o.Relay.CloseTransport(t); err != nil && !errors.Is(err, core.ErrUnknownTransport) {
			log.Warn().Str("module", "orch").Str("transport", string(t)).Err(err).Msg("close transport failed")
		}
	}
	log.Debug().Str("module", "orch").Str("user", string(s.User)).
		Int("producers", len(res.Producers)).Int("consumers", len(res.Consumers)).
		Int("transports", len(res.Transports)).Msg("session torn down")
}
