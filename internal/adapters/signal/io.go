package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.opts.PingPeriod * 10 / 9
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// stepPump runs queued media steps in arrival order. Steps still queued
// when the connection ends are dropped.
func (ctl *SignalWSController) stepPump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case step := <-c.steps:
			step()
		}
	}
}

// enqueue hands a media step to the step pump. The read loop never waits on
// the relay, so leave and close are seen while a step is outstanding.
func (ctl *SignalWSController) enqueue(c *WsSignalConn, env protocol.Envelope, step func()) {
	select {
	case c.steps <- step:
	default:
		log.Warn().Str("module", "signal").Str("conn", string(c.id)).Str("type", env.Type).Msg("step queue full")
		ctl.sendError(c, env.RequestID, protocol.CodeNegotiationFailed, ErrStepQueueFull)
	}
}

// readPump owns the connection: when it returns the user is disconnected.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump closing")
		c.Close()
		cancel()
		ctl.Orch.Disconnect(c.id)
		if ctl.Limiter != nil {
			ctl.Limiter.Release(c.user)
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
		ctl.handleSignal(ctx, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", protocol.CodeBadPayload, err)
		return
	}

	switch env.Type {
	case protocol.TypeJoinChannel:
		ctl.handleJoin(ctx, c, env, data)
	case protocol.TypeLeaveChannel:
		ctl.handleLeave(c, env, data)
	case protocol.TypeGetCapabilities:
		ctl.enqueue(c, env, func() { ctl.handleGetCapabilities(c, env, data) })
	case protocol.TypeCreateTransport:
		ctl.enqueue(c, env, func() { ctl.handleCreateTransport(c, env, data) })
	case protocol.TypeConnectTransport:
		ctl.enqueue(c, env, func() { ctl.handleConnectTransport(c, env, data) })
	case protocol.TypeProduce:
		ctl.enqueue(c, env, func() { ctl.handleProduce(c, env, data) })
	case protocol.TypeGetExistingProducers:
		ctl.enqueue(c, env, func() { ctl.handleGetExistingProducers(c, env, data) })
	case protocol.TypeConsume:
		ctl.enqueue(c, env, func() { ctl.handleConsume(c, env, data) })
	case protocol.TypeResumeConsumer:
		ctl.enqueue(c, env, func() { ctl.handleConsumerControl(c, env, data, false) })
	case protocol.TypePauseConsumer:
		ctl.enqueue(c, env, func() { ctl.handleConsumerControl(c, env, data, true) })
	case protocol.TypeCloseProducer:
		ctl.enqueue(c, env, func() { ctl.handleCloseProducer(c, env, data) })
	case protocol.TypeTransportState:
		ctl.handleTransportState(c, env, data)
	case protocol.TypeSelectServer:
		ctl.handleSelectServer(c, env, data)
	case protocol.TypePing:
		ctl.handlePing(c)
	case protocol.TypeRename:
		ctl.handleRename(c, env, data)
	case protocol.TypeWhoAmI:
		ctl.handleWhoAmI(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

// decode unmarshals and validates a request payload, answering bad_payload
// on failure.
func decode[T any](ctl *SignalWSController, c *WsSignalConn, env protocol.Envelope, data []byte) (T, bool) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", env.Type).Msg("bad payload")
		ctl.sendError(c, env.RequestID, protocol.CodeBadPayload, err)
		return p, false
	}
	if err := ctl.validate.Struct(p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", env.Type).Msg("invalid payload")
		ctl.sendError(c, env.RequestID, protocol.CodeBadPayload, err)
		return p, false
	}
	return p, true
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, requestID, code string, err error) {
	ctl.sendJSON(c, protocol.NewError(requestID, code, err))
}
