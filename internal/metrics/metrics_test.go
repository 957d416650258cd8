package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorFollowsBus(t *testing.T) {
	bus := app.NewBus()
	c := New(func() int { return 3 })
	c.Subscribe(bus)

	bus.PublishPresence(app.PresenceEvent{Channel: "c1", User: "u1", Joined: true, Members: 1})
	bus.PublishPresence(app.PresenceEvent{Channel: "c1", User: "u2", Joined: true, Members: 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.voiceMembers.WithLabelValues("c1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.presenceEvents.WithLabelValues("join")))

	p := app.ProducerInfo{ID: "p1", Owner: "u1", Channel: "c1", Tag: domain.SourceMic, Kind: domain.KindAudio}
	bus.PublishProducer(app.ProducerEvent{Producer: p})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.producersActive))
	bus.PublishProducer(app.ProducerEvent{Producer: p, Closed: true})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.producersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.producersTotal.WithLabelValues("mic")))

	bus.PublishNegotiation(app.NegotiationEvent{Step: "consume", Duration: time.Millisecond, Err: app.ErrNegotiationTimeout})
	bus.PublishNegotiation(app.NegotiationEvent{Step: "consume", Err: errors.New("boom")})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationError.WithLabelValues("consume", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationError.WithLabelValues("consume", "error")))

	bus.PublishRecovery(app.RecoveryEvent{User: "u1", GaveUp: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries.WithLabelValues("gave_up")))

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "voicehub_signal_connections" {
			found = true
			assert.Equal(t, 3.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestWatchRelay(t *testing.T) {
	c := New(func() int { return 0 })
	c.WatchRelay(func() (int, int, int, int) { return 1, 4, 2, 3 })

	n, err := testutil.GatherAndCount(c.Registry, "voicehub_relay_transports", "voicehub_relay_consumers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
