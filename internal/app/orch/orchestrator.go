// Package orch wires the presence table, peer sessions and the media relay
// into the voice signaling flow.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInChannel = errors.New("not in voice channel")
	ErrNotOwner     = errors.New("producer owned by another user")
	ErrSelfConsume  = errors.New("cannot consume own producer")
	ErrKindMismatch = errors.New("kind does not match source tag")
	ErrNoConsumer   = errors.New("producer not consumed")
)

type Deps struct {
	Registry *app.Registry
	Presence *app.Presence
	Sessions *app.SessionTable
	Owners   *app.OwnershipIndex
	Pending  *app.PendingTable
	Gate     *app.PermissionGate
	Outbox   *app.Outbox
	Bus      *app.Bus
	Relay    core.MediaRelay
	Channels core.ChannelDirectory
}

type Options struct {
	NegotiationTimeout  time.Duration
	RecoveryDelay       time.Duration
	MaxRecoveryAttempts int
}

func (o *Options) withDefaults() {
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 10 * time.Second
	}
	if o.RecoveryDelay <= 0 {
		o.RecoveryDelay = 2 * time.Second
	}
}

type Orchestrator struct {
	Deps
	opts Options
	ctx  context.Context

	recMu    sync.Mutex
	recovery map[domain.UserID]*recovery
}

func New(ctx context.Context, deps Deps, opts Options) *Orchestrator {
	opts.withDefaults()
	o := &Orchestrator{
		Deps:     deps,
		opts:     opts,
		ctx:      ctx,
		recovery: make(map[domain.UserID]*recovery),
	}
	if o.Relay != nil {
		o.Relay.OnTransportState(o.onRelayTransportState)
	}
	return o
}

// Connect binds a freshly upgraded connection to its user. A previous
// connection of the same user is closed and its disconnect becomes a no-op;
// the media session it negotiated is discarded.
func (o *Orchestrator) Connect(id core.ConnID, user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) domain.User {
	u := o.Registry.GetOrCreateUser(user)
	if oldID, oldConn := o.Registry.Bind(id, user, conn, cancel); oldConn != nil {
		log.Info().Str("module", "orch").Str("user", string(user)).Str("old_conn", string(oldID)).Msg("connection replaced")
		oldConn.Close()
		o.resetSession(user)
	}
	return u
}

// resetSession tears down the user's session and gives a channel member a
// fresh one in the new phase. Membership is kept.
func (o *Orchestrator) resetSession(user domain.UserID) {
	o.cancelRecovery(user)
	o.Pending.DropUser(user)
	if s, ok := o.Sessions.Get(user); ok && o.Sessions.Remove(user, s) {
		o.teardownSession(s)
		o.Outbox.BroadcastAll(o.voiceStateUpdate(user))
	}
	ch, ok := o.Presence.ChannelOf(user)
	if !ok {
		return
	}
	if _, stale := o.Sessions.Create(o.ctx, user, ch); stale != nil {
		o.teardownSession(stale)
	}
	log.Debug().Str("module", "orch").Str("user", string(user)).Str("channel", string(ch)).Msg("session reset for new connection")
}

// Disconnect runs when a connection's read loop ends.
func (o *Orchestrator) Disconnect(id core.ConnID) {
	user, current := o.Registry.Unbind(id)
	if !current {
		return
	}
	if ch, ok := o.Presence.ChannelOf(user); ok {
		o.Leave(user, ch)
	}
	o.cancelRecovery(user)
	if n := o.Pending.DropUser(user); n > 0 {
		log.Debug().Str("module", "orch").Str("user", string(user)).Int("dropped", n).Msg("dropped pending negotiations")
	}
}

// Rename updates display meta and refreshes the user's voice state.
func (o *Orchestrator) Rename(user domain.UserID, name string) error {
	if err := o.Registry.UpdateUsername(user, name); err != nil {
		return err
	}
	o.Outbox.BroadcastAll(o.voiceStateUpdate(user))
	return nil
}

// VoiceStates lists the voice state of every user in a voice channel.
func (o *Orchestrator) VoiceStates() []domain.VoiceState {
	var out []domain.VoiceState
	for _, members := range o.Presence.Snapshot() {
		for _, u := range members {
			out = append(out, o.voiceState(u))
		}
	}
	return out
}

// Members returns display meta of a channel's members in join order.
func (o *Orchestrator) Members(ch domain.ChannelID) []domain.User {
	return o.users(o.Presence.Members(ch))
}

// Close stops pending recovery timers.
func (o *Orchestrator) Close() {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	for user, r := range o.recovery {
		r.stop()
		delete(o.recovery, user)
	}
}

func (o *Orchestrator) users(ids []domain.UserID) []domain.User {
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		u, _ := o.Registry.User(id)
		out = append(out, u)
	}
	return out
}

func (o *Orchestrator) voiceState(user domain.UserID) domain.VoiceState {
	u, _ := o.Registry.User(user)
	vs := domain.VoiceState{
		UserID:   user,
		Username: u.Username,
		Flags:    domain.FlagsFor(o.Owners.Tags(user)),
	}
	if ch, ok := o.Presence.ChannelOf(user); ok {
		vs.Channel = &ch
	}
	return vs
}

func (o *Orchestrator) voiceStateUpdate(user domain.UserID) protocol.VoiceStateUpdate {
	return protocol.VoiceStateUpdate{Type: protocol.TypeVoiceStateUpdate, VoiceState: o.voiceState(user)}
}

// session returns the user's live session in ch. An empty ch matches any.
func (o *Orchestrator) session(user domain.UserID, ch domain.ChannelID) (*app.PeerSession, error) {
	s, ok := o.Sessions.Get(user)
	if !ok {
		return nil, ErrNotInChannel
	}
	if ch != "" && (s.Channel != ch || !o.Presence.IsMember(ch, user)) {
		return nil, ErrNotInChannel
	}
	return s, nil
}

// negotiate runs one relay call as a pending negotiation bounded by the
// configured timeout. An answer arriving after the waiter gave up is logged
// as a desync and its result handed to discard.
func negotiate[T any](
	o *Orchestrator,
	ctx context.Context,
	user domain.UserID,
	requestID, step string,
	call func(context.Context) (T, error),
	discard func(T),
) (T, error) {
	var zero T
	if requestID == "" {
		requestID = uuid.NewString()
	}
	key := app.PendingKey(user, requestID)
	p, err := o.Pending.Register(key)
	if err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		v, err := call(callCtx)
		if rerr := o.Pending.Resolve(key, app.Result{Value: v, Err: err}); rerr != nil {
			log.Warn().Str("module", "orch").Str("step", step).Err(rerr).Msg("late relay answer discarded")
			if err == nil && discard != nil {
				discard(v)
			}
		}
	}()

	res, err := o.Pending.Wait(ctx, p, o.opts.NegotiationTimeout)
	if err == nil {
		err = res.Err
	}
	o.Bus.PublishNegotiation(app.NegotiationEvent{Step: step, Duration: time.Since(p.Started), Err: err})
	if err != nil {
		return zero, err
	}
	v, _ := res.Value.(T)
	return v, nil
}
