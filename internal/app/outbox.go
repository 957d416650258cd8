package app

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/rs/zerolog/log"
)

type PublishResult struct {
	SendTo  []domain.UserID
	Dropped []domain.UserID
}

// Outbox encodes protocol messages and enqueues them on user connections.
type Outbox struct {
	Registry *Registry
	Policy   Policy
}

func NewOutbox(reg *Registry, policy Policy) *Outbox {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Outbox{Registry: reg, Policy: policy}
}

// Send enqueues v for a single user. Users without a live connection are skipped.
func (o *Outbox) Send(user domain.UserID, v any) error {
	frame, msgType, err := encode(v)
	if err != nil {
		return err
	}
	return o.sendFrame(user, frame, msgType)
}

// Broadcast enqueues v for every listed user, encoding it once.
func (o *Outbox) Broadcast(users []domain.UserID, v any) PublishResult {
	var res PublishResult
	frame, msgType, err := encode(v)
	if err != nil {
		log.Error().Str("module", "app.outbox").Err(err).Msg("encode failed")
		return res
	}
	for _, u := range users {
		if err := o.sendFrame(u, frame, msgType); err != nil {
			res.Dropped = append(res.Dropped, u)
			continue
		}
		res.SendTo = append(res.SendTo, u)
	}
	return res
}

// BroadcastAll enqueues v for every connected user.
func (o *Outbox) BroadcastAll(v any) PublishResult {
	return o.Broadcast(o.Registry.Connected(), v)
}

func (o *Outbox) sendFrame(user domain.UserID, frame core.Frame, msgType string) error {
	conn, ok := o.Registry.ConnOf(user)
	if !ok {
		return core.ErrConnClosed
	}
	err := conn.TrySend(frame)
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrBackpressure) {
		switch o.Policy.OnBackPressure(user, msgType) {
		case KickMember:
			log.Warn().Str("module", "app.outbox").Str("user", string(user)).Str("msg", msgType).Msg("send queue full, closing connection")
			conn.Close()
		case DropFrame:
			log.Debug().Str("module", "app.outbox").Str("user", string(user)).Str("msg", msgType).Msg("send queue full, frame dropped")
		}
	}
	return err
}

func encode(v any) (core.Frame, string, error) {
	if f, ok := v.(core.Frame); ok {
		return f, "raw", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(b, &env)
	return b, env.Type, nil
}
