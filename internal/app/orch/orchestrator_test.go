package orch

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAnnouncesMembers(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.join("alice", "c1")

	assert.Len(t, alice.of("user-joined"), 1, "joiner sees its own user-joined")
	existing := alice.last("existing-members")
	require.NotNil(t, existing)
	assert.Empty(t, existing["members"])

	bob := h.join("bob", "c1")
	joined := alice.last("user-joined")
	assert.Equal(t, "bob", joined["userId"])
	members := bob.last("existing-members")["members"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].(map[string]any)["id"])

	vs := alice.last("voice-state-update")
	assert.Equal(t, "bob", vs["userId"])
	assert.Equal(t, "c1", vs["channelId"])
	assert.Equal(t, []domain.UserID{"alice", "bob"}, h.o.Presence.Members("c1"))
}

func TestJoinSameChannelResendsMembers(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("alice", "c1")
	bob := h.join("bob", "c1")
	bob.reset()

	out, err := h.o.Join(context.Background(), "bob", "c1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyMember, out)
	assert.Equal(t, []string{"existing-members"}, bob.types())
	assert.Len(t, h.conns["alice"].of("user-joined"), 2, "no duplicate user-joined")
}

func TestJoinMovesBetweenChannels(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.join("alice", "c1")
	h.join("bob", "c1")

	h.join("bob", "c2")
	left := alice.last("user-left")
	require.NotNil(t, left)
	assert.Equal(t, "bob", left["userId"])
	assert.Equal(t, []domain.UserID{"alice"}, h.o.Presence.Members("c1"))
	ch, _ := h.o.Presence.ChannelOf("bob")
	assert.Equal(t, domain.ChannelID("c2"), ch)
	s, ok := h.o.Sessions.Get("bob")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("c2"), s.Channel)
}

func TestJoinDeniedIsSilent(t *testing.T) {
	h := newHarness(t, Options{})
	eve := h.connect("eve")

	out, err := h.o.Join(context.Background(), "eve", "vip")
	require.NoError(t, err)
	assert.Equal(t, JoinDenied, out)
	out, err = h.o.Join(context.Background(), "eve", "nowhere")
	require.NoError(t, err)
	assert.Equal(t, JoinUnknownChannel, out)
	assert.Empty(t, eve.types())
	assert.Zero(t, h.o.Presence.Total())

	h.join("boss", "vip")
	h.join("mod", "vip")
	assert.Equal(t, 2, h.o.Presence.Count("vip"))
}

func TestProduceAnnouncesToReadyMembers(t *testing.T) {
	h := newHarness(t, Options{})
	aliceT := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]

	pid := h.produceMic("alice", "c1", aliceT[domain.DirectionSend])

	np := bob.of("new-producer")
	require.Len(t, np, 1)
	assert.Equal(t, string(pid), np[0]["producerId"])
	assert.Equal(t, "alice", np[0]["ownerUserId"])
	assert.Equal(t, "mic", np[0]["sourceTag"])
	assert.Empty(t, h.conns["alice"].of("new-producer"), "owner is never told about its own producer")

	vs := bob.last("voice-state-update")
	assert.Equal(t, "alice", vs["userId"])
	assert.Equal(t, true, vs["flags"].(map[string]any)["microphone"])

	info, ok := h.o.Owners.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), info.Owner)
}

func TestProduceValidation(t *testing.T) {
	h := newHarness(t, Options{})
	tr := h.ready("alice", "c1", domain.DirectionSend)
	alice := h.conns["alice"]

	err := h.o.Produce("alice", "r1", ProduceRequest{Channel: "c1", Transport: tr[domain.DirectionSend], Kind: domain.KindVideo, SourceTag: "mic"})
	assert.ErrorIs(t, err, ErrKindMismatch)
	err = h.o.Produce("alice", "r2", ProduceRequest{Channel: "c1", Transport: tr[domain.DirectionSend], Kind: domain.KindAudio, SourceTag: "tuba"})
	assert.ErrorIs(t, err, domain.ErrUnknownSourceTag)
	err = h.o.Produce("alice", "r3", ProduceRequest{Channel: "c1", Transport: "t-x", Kind: domain.KindAudio, SourceTag: "mic"})
	assert.ErrorIs(t, err, core.ErrUnknownTransport)

	h.produceMic("alice", "c1", tr[domain.DirectionSend])
	err = h.o.Produce("alice", "r4", ProduceRequest{Channel: "c1", Transport: tr[domain.DirectionSend], Kind: domain.KindAudio, SourceTag: "mic"})
	assert.ErrorIs(t, err, app.ErrSourceBusy)

	errs := alice.of("error")
	require.Len(t, errs, 4)
	for _, e := range errs {
		assert.Equal(t, "negotiation-failed", e["code"])
	}
	assert.Equal(t, "r1", errs[0]["requestId"])
}

func TestRecvTransportCatchUp(t *testing.T) {
	h := newHarness(t, Options{})
	aliceT := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1")
	bob := h.conns["bob"]

	pid := h.produceMic("alice", "c1", aliceT[domain.DirectionSend])
	assert.Empty(t, bob.of("new-producer"), "held back until the recv transport exists")

	require.NoError(t, h.o.Consume("bob", "early", "c1", pid, core.RtpCapabilities{}))
	assert.Empty(t, bob.of("consumer-created"))

	require.NoError(t, h.o.CreateTransport("bob", "recv", "c1", domain.DirectionRecv))
	types := bob.types()
	created, announced, consumed := -1, -1, -1
	for i, typ := range types {
		switch typ {
		case "transport-created":
			created = i
		case "new-producer":
			announced = i
		case "consumer-created":
			consumed = i
		}
	}
	require.Len(t, bob.of("new-producer"), 1, "announced exactly once")
	require.Len(t, bob.of("consumer-created"), 1)
	assert.Less(t, created, announced)
	assert.Less(t, announced, consumed)
	assert.Equal(t, "early", bob.last("consumer-created")["requestId"])

	require.NoError(t, h.o.GetExistingProducers("bob", "again", "c1"))
	assert.Len(t, bob.of("new-producer"), 2, "explicit request re-announces")
}

func TestConsumeIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	aliceT := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]
	pid := h.produceMic("alice", "c1", aliceT[domain.DirectionSend])

	require.NoError(t, h.o.Consume("bob", "k1", "c1", pid, core.RtpCapabilities{}))
	require.NoError(t, h.o.Consume("bob", "k2", "c1", pid, core.RtpCapabilities{}))
	created := bob.of("consumer-created")
	require.Len(t, created, 2)
	assert.Equal(t, created[0]["consumerId"], created[1]["consumerId"])
	assert.Equal(t, true, created[0]["paused"])

	require.NoError(t, h.o.SetConsumerPaused("bob", "res", pid, false))
	s, _ := h.o.Sessions.Get("bob")
	c, ok := s.Consumer(pid)
	require.True(t, ok)
	assert.False(t, c.Paused)

	assert.ErrorIs(t, h.o.Consume("alice", "self", "c1", pid, core.RtpCapabilities{}), ErrSelfConsume)
}

func TestConsumeIncompatible(t *testing.T) {
	h := newHarness(t, Options{})
	aliceT := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]
	pid := h.produceMic("alice", "c1", aliceT[domain.DirectionSend])

	h.relay.set("consume", 0, core.ErrIncompatible)
	err := h.o.Consume("bob", "k1", "c1", pid, core.RtpCapabilities{})
	assert.ErrorIs(t, err, core.ErrIncompatible)

	e := bob.last("error")
	require.NotNil(t, e)
	assert.Equal(t, "negotiation-failed", e["code"])
	assert.Equal(t, "k1", e["requestId"])
	assert.Empty(t, bob.of("session-failed"))
	_, ok := h.o.Sessions.Get("bob")
	assert.True(t, ok, "an incompatible consumer does not break the session")
}

func TestCloseProducer(t *testing.T) {
	h := newHarness(t, Options{})
	aliceT := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]
	pid := h.produceMic("alice", "c1", aliceT[domain.DirectionSend])
	require.NoError(t, h.o.Consume("bob", "k1", "c1", pid, core.RtpCapabilities{}))
	consumer := bob.last("consumer-created")["consumerId"].(string)

	assert.ErrorIs(t, h.o.CloseProducer("bob", "x", pid), ErrNotOwner)
	_, live := h.o.Owners.Lookup(pid)
	require.True(t, live)

	require.NoError(t, h.o.CloseProducer("alice", "x", pid))
	closed := bob.of("producer-closed")
	require.Len(t, closed, 1)
	assert.Equal(t, string(pid), closed[0]["producerId"])
	assert.Empty(t, h.conns["alice"].of("producer-closed"))
	assert.Contains(t, h.relay.closedOf("producer"), string(pid))
	assert.Contains(t, h.relay.closedOf("consumer"), consumer)

	s, _ := h.o.Sessions.Get("bob")
	_, ok := s.Consumer(pid)
	assert.False(t, ok)
	_, live = h.o.Owners.Lookup(pid)
	assert.False(t, live)
	assert.Equal(t, false, bob.last("voice-state-update")["flags"].(map[string]any)["microphone"])

	assert.ErrorIs(t, h.o.CloseProducer("alice", "y", pid), core.ErrUnknownProducer)
}

func TestDisconnectCleansUp(t *testing.T) {
	h := newHarness(t, Options{})
	aliceT := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]
	pid := h.produceMic("alice", "c1", aliceT[domain.DirectionSend])

	h.o.Disconnect("conn-alice")

	left := bob.last("user-left")
	require.NotNil(t, left)
	assert.Equal(t, "alice", left["userId"])
	require.Len(t, bob.of("producer-closed"), 1)
	assert.Contains(t, h.relay.closedOf("transport"), string(aliceT[domain.DirectionSend]))
	assert.Contains(t, h.relay.closedOf("producer"), string(pid))
	assert.Zero(t, h.o.Owners.Len())
	_, ok := h.o.Sessions.Get("alice")
	assert.False(t, ok)
	assert.Empty(t, h.relay.closedOf("router"))

	err := h.o.Consume("bob", "late", "c1", pid, core.RtpCapabilities{})
	assert.ErrorIs(t, err, core.ErrUnknownProducer)
	assert.Equal(t, "negotiation-failed", bob.last("error")["code"])

	h.o.Disconnect("conn-bob")
	assert.Equal(t, []string{"c1"}, h.relay.closedOf("router"), "router reclaimed once the channel is empty")
	assert.Zero(t, h.o.Sessions.Len())
	assert.Zero(t, h.o.Presence.Total())
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.join("alice", "c1")

	second := &recConn{}
	h.o.Connect("conn-alice-2", "alice", second, nil)
	assert.True(t, first.isClosed())

	h.o.Disconnect("conn-alice")
	assert.True(t, h.o.Presence.IsMember("c1", "alice"), "stale connection does not evict the user")
}

func TestReconnectResetsMediaSession(t *testing.T) {
	h := newHarness(t, Options{})
	oldT := h.ready("alice", "c1", domain.DirectionSend, domain.DirectionRecv)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]
	pid := h.produceMic("alice", "c1", oldT[domain.DirectionSend])

	second := &recConn{}
	h.o.Connect("conn-alice-2", "alice", second, nil)
	h.conns["alice"] = second
	h.o.Disconnect("conn-alice")

	assert.True(t, h.o.Presence.IsMember("c1", "alice"))
	assert.Zero(t, h.o.Owners.Len())
	assert.Contains(t, h.relay.closedOf("producer"), string(pid))
	assert.Contains(t, h.relay.closedOf("transport"), string(oldT[domain.DirectionSend]))
	assert.Contains(t, h.relay.closedOf("transport"), string(oldT[domain.DirectionRecv]))
	require.Len(t, bob.of("producer-closed"), 1)
	assert.Empty(t, bob.of("user-left"))

	out, err := h.o.Join(context.Background(), "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyMember, out)
	require.NoError(t, h.o.GetCapabilities("alice", "caps-2", "c1"))
	require.NoError(t, h.o.CreateTransport("alice", "send-2", "c1", domain.DirectionSend))
	s, ok := h.o.Sessions.Get("alice")
	require.True(t, ok)
	send, ok := s.Transport(domain.DirectionSend)
	require.True(t, ok)
	assert.NotEqual(t, oldT[domain.DirectionSend], send)

	fresh := h.produceMic("alice", "c1", send)
	assert.NotEqual(t, pid, fresh)
	owner, ok := h.o.Owners.Lookup(fresh)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), owner.Owner)
}

func TestNegotiationTimeoutSchedulesRejoin(t *testing.T) {
	h := newHarness(t, Options{NegotiationTimeout: 30 * time.Millisecond, RecoveryDelay: 20 * time.Millisecond})
	h.ready("alice", "c1")
	conn := h.conns["alice"]

	var recovered []app.RecoveryEvent
	done := make(chan struct{}, 1)
	h.bus.OnRecovery(func(ev app.RecoveryEvent) {
		recovered = append(recovered, ev)
		done <- struct{}{}
	})

	h.relay.set("create-transport", time.Second, nil)
	err := h.o.CreateTransport("alice", "slow", "c1", domain.DirectionSend)
	assert.ErrorIs(t, err, app.ErrNegotiationTimeout)

	e := conn.last("error")
	require.NotNil(t, e)
	assert.Equal(t, "negotiation-failed", e["code"])
	failed := conn.last("session-failed")
	require.NotNil(t, failed)
	assert.EqualValues(t, 20, failed["retryInMs"])
	assert.True(t, h.o.Presence.IsMember("c1", "alice"), "membership survives a failed session")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rejoin was not scheduled")
	}
	require.Eventually(t, func() bool { return conn.last("rejoin") != nil }, time.Second, 5*time.Millisecond)
	rejoin := conn.last("rejoin")
	assert.EqualValues(t, 1, rejoin["attempt"])
	require.Len(t, recovered, 1)
	assert.False(t, recovered[0].GaveUp)

	s, ok := h.o.Sessions.Get("alice")
	require.True(t, ok)
	assert.Equal(t, app.PhaseNew, s.Phase())
}

func TestRecoveryExhaustedLeaves(t *testing.T) {
	h := newHarness(t, Options{
		NegotiationTimeout:  30 * time.Millisecond,
		RecoveryDelay:       10 * time.Millisecond,
		MaxRecoveryAttempts: 1,
	})
	h.join("bob", "c1")
	bob := h.conns["bob"]
	h.ready("alice", "c1")
	alice := h.conns["alice"]
	h.relay.set("create-transport", time.Second, nil)

	assert.Error(t, h.o.CreateTransport("alice", "t1", "c1", domain.DirectionSend))
	require.Eventually(t, func() bool { return alice.last("rejoin") != nil }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.o.GetCapabilities("alice", "caps2", "c1"))
	assert.Error(t, h.o.CreateTransport("alice", "t2", "c1", domain.DirectionSend))

	assert.Len(t, alice.of("session-failed"), 1)
	assert.False(t, h.o.Presence.IsMember("c1", "alice"))
	left := bob.last("user-left")
	require.NotNil(t, left)
	assert.Equal(t, "alice", left["userId"])
}

func TestRelayTransportFailure(t *testing.T) {
	h := newHarness(t, Options{RecoveryDelay: time.Hour})
	tr := h.ready("alice", "c1", domain.DirectionSend)
	alice := h.conns["alice"]

	h.relay.emit(tr[domain.DirectionSend], domain.TransportConnected)
	assert.Empty(t, alice.of("session-failed"))

	h.relay.emit(tr[domain.DirectionSend], domain.TransportFailed)
	require.NotNil(t, alice.last("session-failed"))
	assert.Contains(t, h.relay.closedOf("transport"), string(tr[domain.DirectionSend]))
	_, ok := h.o.Sessions.Get("alice")
	assert.False(t, ok)

	h.relay.emit(tr[domain.DirectionSend], domain.TransportFailed)
	assert.Len(t, alice.of("session-failed"), 1, "unknown transports are ignored")
}

func TestProducerClosedFollowsAnnouncement(t *testing.T) {
	h := newHarness(t, Options{RecoveryDelay: time.Hour})
	tr := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1", domain.DirectionRecv)
	bob := h.conns["bob"]

	failed := make(chan struct{})
	h.conns["alice"].onFrame = func(typ string) {
		if typ == "producer-created" {
			go func() {
				h.relay.emit(tr[domain.DirectionSend], domain.TransportFailed)
				close(failed)
			}()
		}
	}
	pid := h.produceMic("alice", "c1", tr[domain.DirectionSend])
	<-failed

	_, live := h.o.Owners.Lookup(pid)
	assert.False(t, live)
	announced, closed := bob.index("new-producer"), bob.index("producer-closed")
	require.NotEqual(t, -1, announced)
	require.NotEqual(t, -1, closed)
	assert.Less(t, announced, closed)
	s, ok := h.o.Sessions.Get("bob")
	require.True(t, ok)
	assert.Empty(t, s.Queued())
}

func TestClientTransportStateIgnoresForeignTransport(t *testing.T) {
	h := newHarness(t, Options{RecoveryDelay: time.Hour})
	tr := h.ready("alice", "c1", domain.DirectionSend)
	h.ready("bob", "c1")

	h.o.TransportState("bob", tr[domain.DirectionSend], domain.TransportFailed)
	assert.Empty(t, h.conns["alice"].of("session-failed"))
	assert.Empty(t, h.conns["bob"].of("session-failed"))

	h.o.TransportState("alice", tr[domain.DirectionSend], domain.TransportFailed)
	assert.Len(t, h.conns["alice"].of("session-failed"), 1)
}

func TestCapabilitiesFailureLeaves(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("alice", "c1")
	alice := h.conns["alice"]
	h.relay.set("capabilities", 0, core.ErrRelayUnavailable)

	assert.ErrorIs(t, h.o.GetCapabilities("alice", "caps", "c1"), core.ErrRelayUnavailable)
	e := alice.last("error")
	require.NotNil(t, e)
	assert.Equal(t, "join-failed", e["code"])
	assert.False(t, h.o.Presence.IsMember("c1", "alice"))
}

func TestStepsOutOfOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("alice", "c1")

	assert.ErrorIs(t, h.o.CreateTransport("alice", "t", "c1", domain.DirectionSend), app.ErrWrongPhase)
	assert.ErrorIs(t, h.o.GetCapabilities("bob", "caps", "c1"), ErrNotInChannel)

	require.NoError(t, h.o.GetCapabilities("alice", "caps", "c1"))
	require.NoError(t, h.o.CreateTransport("alice", "t", "c1", domain.DirectionSend))
	assert.ErrorIs(t, h.o.CreateTransport("alice", "t", "c1", domain.DirectionSend), app.ErrTransportSet)
}

func TestRenameAndVoiceStates(t *testing.T) {
	h := newHarness(t, Options{})
	h.join("alice", "c1")
	bob := h.join("bob", "c2")

	require.NoError(t, h.o.Rename("alice", "Alice"))
	vs := bob.last("voice-state-update")
	assert.Equal(t, "Alice", vs["username"])

	states := h.o.VoiceStates()
	assert.Len(t, states, 2)
	assert.Equal(t, []domain.User{{ID: "alice", Username: "Alice"}}, h.o.Members("c1"))
}
