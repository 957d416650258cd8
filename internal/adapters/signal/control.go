package signal

import (
	"errors"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(c *WsSignalConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: protocol.TypePong,
	}
	ctl.sendJSON(c, resp)
}

func (ctl *SignalWSController) handleWhoAmI(c *WsSignalConn) {
	user, _ := ctl.Orch.Registry.User(c.user)

	resp := struct {
		Type      string           `json:"type"`
		UserID    domain.UserID    `json:"userId"`
		Username  string           `json:"username"`
		ChannelID domain.ChannelID `json:"channelId,omitempty"`
		ServerID  domain.ServerID  `json:"serverId,omitempty"`
	}{
		Type:     protocol.TypeWhoAmI,
		UserID:   c.user,
		Username: user.Username,
	}
	if ch, ok := ctl.Orch.Presence.ChannelOf(c.user); ok {
		resp.ChannelID = ch
	}
	if srv, ok := ctl.Orch.Registry.ServerOf(c.id); ok {
		resp.ServerID = srv
	}
	ctl.sendJSON(c, resp)
}

func (ctl *SignalWSController) handleRename(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.Rename](ctl, c, env, data)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("user", string(c.user)).Str("name", p.Name).Msg("rename")
	if err := ctl.Orch.Rename(c.user, p.Name); err != nil {
		ctl.sendError(c, env.RequestID, protocol.CodeInvalidName, err)
		return
	}
	ctl.handleWhoAmI(c)
}

// handleSelectServer records the server the client is browsing. It is
// ephemeral connection context and does not affect voice membership.
func (ctl *SignalWSController) handleSelectServer(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.SelectServer](ctl, c, env, data)
	if !ok {
		return
	}
	if !ctl.Orch.Registry.SelectServer(c.id, p.ServerID) {
		ctl.sendError(c, env.RequestID, protocol.CodeBadPayload, errors.New("connection not registered"))
		return
	}
	ctl.handleWhoAmI(c)
}
