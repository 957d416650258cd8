// Package metrics exports voice orchestration counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicehub"

type Collector struct {
	Registry *prometheus.Registry

	voiceMembers     *prometheus.GaugeVec
	presenceEvents   *prometheus.CounterVec
	producersActive  prometheus.Gauge
	producersTotal   *prometheus.CounterVec
	consumersActive  prometheus.Gauge
	negotiations     *prometheus.HistogramVec
	negotiationError *prometheus.CounterVec
	transportStates  *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
}

// New registers the collectors on a private registry together with the
// process and Go runtime collectors.
func New(connections func() int) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{Registry: reg}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "signal_connections",
		Help:      "Live signaling websocket connections",
	}, func() float64 { return float64(connections()) })

	c.voiceMembers = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "voice_channel_members",
		Help:      "Members per voice channel",
	}, []string{"channel"})
	c.presenceEvents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_events_total",
		Help:      "Voice channel joins and leaves",
	}, []string{"event"})
	c.producersActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "producers_active",
		Help:      "Live producers",
	})
	c.producersTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "producers_total",
		Help:      "Producers created by source tag",
	}, []string{"source"})
	c.consumersActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumers_active",
		Help:      "Live consumers",
	})
	c.negotiations = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "negotiation_duration_seconds",
		Help:      "Relay round trip per negotiation step",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"step"})
	c.negotiationError = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "negotiation_failures_total",
		Help:      "Failed negotiation steps",
	}, []string{"step", "reason"})
	c.transportStates = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_state_changes_total",
		Help:      "Transport connectivity changes",
	}, []string{"state"})
	c.recoveries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_recoveries_total",
		Help:      "Session recovery attempts",
	}, []string{"outcome"})
	return c
}

// Subscribe wires the collector to orchestration events.
func (c *Collector) Subscribe(bus *app.Bus) {
	bus.OnPresence(func(ev app.PresenceEvent) {
		event := "leave"
		if ev.Joined {
			event = "join"
		}
		c.presenceEvents.WithLabelValues(event).Inc()
		if ev.Members == 0 {
			c.voiceMembers.DeleteLabelValues(string(ev.Channel))
			return
		}
		c.voiceMembers.WithLabelValues(string(ev.Channel)).Set(float64(ev.Members))
	})
	bus.OnProducer(func(ev app.ProducerEvent) {
		if ev.Closed {
			c.producersActive.Dec()
			return
		}
		c.producersActive.Inc()
		c.producersTotal.WithLabelValues(string(ev.Producer.Tag)).Inc()
	})
	bus.OnConsumer(func(ev app.ConsumerEvent) {
		if ev.Closed {
			c.consumersActive.Dec()
			return
		}
		c.consumersActive.Inc()
	})
	bus.OnNegotiation(func(ev app.NegotiationEvent) {
		c.negotiations.WithLabelValues(ev.Step).Observe(ev.Duration.Seconds())
		if ev.Err != nil {
			c.negotiationError.WithLabelValues(ev.Step, failureReason(ev.Err)).Inc()
		}
	})
	bus.OnTransport(func(ev app.TransportEvent) {
		c.transportStates.WithLabelValues(string(ev.State)).Inc()
	})
	bus.OnRecovery(func(ev app.RecoveryEvent) {
		outcome := "rejoin"
		if ev.GaveUp {
			outcome = "gave_up"
		}
		c.recoveries.WithLabelValues(outcome).Inc()
	})
}

// RelayStats reports live relay object counts.
type RelayStats func() (routers, transports, producers, consumers int)

// WatchRelay exports the relay engine's own object counts, which include
// objects the orchestrator has already forgotten.
func (c *Collector) WatchRelay(stats RelayStats) {
	f := promauto.With(c.Registry)
	for i, name := range []string{"routers", "transports", "producers", "consumers"} {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      name,
			Help:      "Live relay " + name,
		}, func() float64 {
			r, t, p, k := stats()
			return float64([]int{r, t, p, k}[i])
		})
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, app.ErrNegotiationTimeout):
		return "timeout"
	case errors.Is(err, app.ErrNegotiationDropped):
		return "dropped"
	default:
		return "error"
	}
}
