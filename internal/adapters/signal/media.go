package signal

import (
	"errors"

	"github.com/dkeye/voicehub/internal/app/orch"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrStepQueueFull = errors.New("too many outstanding media steps")

// The orchestrator answers every media step itself; errors returned here
// were already reported to the client and are only logged.

func (ctl *SignalWSController) logStep(c *WsSignalConn, step string, err error) {
	if err != nil {
		log.Debug().Str("module", "signal").Str("user", string(c.user)).Str("step", step).Err(err).Msg("step failed")
	}
}

func (ctl *SignalWSController) handleGetCapabilities(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.GetCapabilities](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.logStep(c, env.Type, ctl.Orch.GetCapabilities(c.user, env.RequestID, p.ChannelID))
}

func (ctl *SignalWSController) handleCreateTransport(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.CreateTransport](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.logStep(c, env.Type, ctl.Orch.CreateTransport(c.user, env.RequestID, p.ChannelID, p.Direction))
}

func (ctl *SignalWSController) handleConnectTransport(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.ConnectTransport](ctl, c, env, data)
	if !ok {
		return
	}
	params := core.ConnectParams{
		ICEParameters:  p.ICEParameters,
		ICECandidates:  p.ICECandidates,
		DTLSParameters: p.DTLSParameters,
	}
	ctl.logStep(c, env.Type, ctl.Orch.ConnectTransport(c.user, env.RequestID, p.TransportID, params))
}

func (ctl *SignalWSController) handleProduce(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.Produce](ctl, c, env, data)
	if !ok {
		return
	}
	err := ctl.Orch.Produce(c.user, env.RequestID, orch.ProduceRequest{
		Channel:       p.ChannelID,
		Transport:     p.TransportID,
		Kind:          p.Kind,
		SourceTag:     p.SourceTag,
		RtpParameters: p.RtpParameters,
	})
	ctl.logStep(c, env.Type, err)
}

func (ctl *SignalWSController) handleGetExistingProducers(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.GetExistingProducers](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.logStep(c, env.Type, ctl.Orch.GetExistingProducers(c.user, env.RequestID, p.ChannelID))
}

func (ctl *SignalWSController) handleConsume(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.Consume](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.logStep(c, env.Type, ctl.Orch.Consume(c.user, env.RequestID, p.ChannelID, p.ProducerID, p.RtpCapabilities))
}

func (ctl *SignalWSController) handleConsumerControl(c *WsSignalConn, env protocol.Envelope, data []byte, pause bool) {
	p, ok := decode[protocol.ConsumerControl](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.logStep(c, env.Type, ctl.Orch.SetConsumerPaused(c.user, env.RequestID, p.ProducerID, pause))
}

func (ctl *SignalWSController) handleCloseProducer(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.CloseProducer](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.logStep(c, env.Type, ctl.Orch.CloseProducer(c.user, env.RequestID, p.ProducerID))
}

func (ctl *SignalWSController) handleTransportState(c *WsSignalConn, env protocol.Envelope, data []byte) {
	p, ok := decode[protocol.TransportState](ctl, c, env, data)
	if !ok {
		return
	}
	ctl.Orch.TransportState(c.user, p.TransportID, p.State)
}
