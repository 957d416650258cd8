package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/stretchr/testify/require"
)

// recConn records every frame it is handed, decoded. onFrame, when set,
// sees the type of each recorded frame.
type recConn struct {
	mu      sync.Mutex
	frames  []map[string]any
	closed  bool
	onFrame func(typ string)
}

func (c *recConn) TrySend(f core.Frame) error {
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrConnClosed
	}
	c.frames = append(c.frames, m)
	hook := c.onFrame
	c.mu.Unlock()
	if hook != nil {
		typ, _ := m["type"].(string)
		hook(typ)
	}
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func (c *recConn) of(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *recConn) last(typ string) map[string]any {
	msgs := c.of(typ)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (c *recConn) index(typ string) int {
	for i, t := range c.types() {
		if t == typ {
			return i
		}
	}
	return -1
}

func (c *recConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// fakeRelay hands out sequential ids and can be told to stall or fail per
// operation.
type fakeRelay struct {
	mu      sync.Mutex
	seq     int
	delays  map[string]time.Duration
	errs    map[string]error
	closed  map[string][]string
	onState core.TransportStateFunc
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		delays: make(map[string]time.Duration),
		errs:   make(map[string]error),
		closed: make(map[string][]string),
	}
}

func (r *fakeRelay) set(op string, delay time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[op] = delay
	r.errs[op] = err
}

func (r *fakeRelay) call(ctx context.Context, op string) error {
	r.mu.Lock()
	delay, err := r.delays[op], r.errs[op]
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *fakeRelay) next(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *fakeRelay) record(kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[kind] = append(r.closed[kind], id)
	return nil
}

func (r *fakeRelay) closedOf(kind string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed[kind]...)
}

func (r *fakeRelay) emit(id domain.TransportID, state domain.TransportState) {
	r.mu.Lock()
	fn := r.onState
	r.mu.Unlock()
	fn(id, state)
}

func (r *fakeRelay) Capabilities(ctx context.Context, _ domain.ChannelID) (core.RtpCapabilities, error) {
	if err := r.call(ctx, "capabilities"); err != nil {
		return core.RtpCapabilities{}, err
	}
	return core.RtpCapabilities{Codecs: []core.CodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
	}}, nil
}

func (r *fakeRelay) CreateTransport(ctx context.Context, _ domain.ChannelID, dir domain.Direction) (core.TransportInfo, error) {
	if err := r.call(ctx, "create-transport"); err != nil {
		return core.TransportInfo{}, err
	}
	return core.TransportInfo{ID: domain.TransportID(r.next("t")), Direction: dir}, nil
}

func (r *fakeRelay) ConnectTransport(ctx context.Context, _ domain.TransportID, _ core.ConnectParams) error {
	return r.call(ctx, "connect-transport")
}

func (r *fakeRelay) Produce(ctx context.Context, _ domain.TransportID, _ core.ProduceParams) (domain.ProducerID, error) {
	if err := r.call(ctx, "produce"); err != nil {
		return "", err
	}
	return domain.ProducerID(r.next("p")), nil
}

func (r *fakeRelay) Consume(ctx context.Context, _ domain.TransportID, producer domain.ProducerID, _ core.RtpCapabilities) (core.ConsumerInfo, error) {
	if err := r.call(ctx, "consume"); err != nil {
		return core.ConsumerInfo{}, err
	}
	return core.ConsumerInfo{ID: domain.ConsumerID(r.next("k")), ProducerID: producer, Kind: domain.KindAudio, Paused: true}, nil
}

func (r *fakeRelay) ResumeConsumer(ctx context.Context, _ domain.ConsumerID) error {
	return r.call(ctx, "resume-consumer")
}

func (r *fakeRelay) PauseConsumer(ctx context.Context, _ domain.ConsumerID) error {
	return r.call(ctx, "pause-consumer")
}

func (r *fakeRelay) CloseProducer(id domain.ProducerID) error   { return r.record("producer", string(id)) }
func (r *fakeRelay) CloseConsumer(id domain.ConsumerID) error   { return r.record("consumer", string(id)) }
func (r *fakeRelay) CloseTransport(id domain.TransportID) error { return r.record("transport", string(id)) }
func (r *fakeRelay) CloseRouter(ch domain.ChannelID) error      { return r.record("router", string(ch)) }

func (r *fakeRelay) OnTransportState(fn core.TransportStateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

type fakeChannels map[domain.ChannelID]domain.Channel

func (f fakeChannels) VoiceChannel(_ context.Context, id domain.ChannelID) (domain.Channel, error) {
	ch, ok := f[id]
	if !ok {
		return domain.Channel{}, core.ErrUnknownChannel
	}
	return ch, nil
}

type stubRoles struct {
	owner domain.UserID
	perms map[domain.UserID]domain.Permission
}

func (s stubRoles) Permissions(_ context.Context, _ domain.ServerID, user domain.UserID) (domain.Permission, error) {
	return s.perms[user], nil
}

func (s stubRoles) Owner(context.Context, domain.ServerID) (domain.UserID, error) {
	return s.owner, nil
}

type harness struct {
	t     *testing.T
	o     *Orchestrator
	relay *fakeRelay
	bus   *app.Bus
	conns map[domain.UserID]*recConn
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := app.NewRegistry()
	relay := newFakeRelay()
	bus := app.NewBus()
	channels := fakeChannels{
		"c1":  {ID: "c1", ServerID: "s1", Name: "General"},
		"c2":  {ID: "c2", ServerID: "s1", Name: "Gaming"},
		"vip": {ID: "vip", ServerID: "s1", Name: "Staff", IsPrivate: true},
	}
	roles := stubRoles{owner: "boss", perms: map[domain.UserID]domain.Permission{"mod": domain.PermManageChannels}}

	ctx, cancel := context.WithCancel(context.Background())
	o := New(ctx, Deps{
		Registry: reg,
		Presence: app.NewPresence(),
		Sessions: app.NewSessionTable(),
		Owners:   app.NewOwnershipIndex(),
		Pending:  app.NewPendingTable(),
		Gate:     app.NewPermissionGate(roles),
		Outbox:   app.NewOutbox(reg, nil),
		Bus:      bus,
		Relay:    relay,
		Channels: channels,
	}, opts)
	t.Cleanup(func() {
		o.Close()
		cancel()
	})
	return &harness{t: t, o: o, relay: relay, bus: bus, conns: make(map[domain.UserID]*recConn)}
}

func (h *harness) connect(user domain.UserID) *recConn {
	c := &recConn{}
	h.o.Connect(core.ConnID("conn-"+string(user)), user, c, nil)
	h.conns[user] = c
	return c
}

func (h *harness) join(user domain.UserID, ch domain.ChannelID) *recConn {
	h.t.Helper()
	c, ok := h.conns[user]
	if !ok {
		c = h.connect(user)
	}
	out, err := h.o.Join(context.Background(), user, ch)
	require.NoError(h.t, err)
	require.Equal(h.t, Joined, out)
	return c
}

// ready joins and negotiates capabilities plus the given transports.
func (h *harness) ready(user domain.UserID, ch domain.ChannelID, dirs ...domain.Direction) map[domain.Direction]domain.TransportID {
	h.t.Helper()
	h.join(user, ch)
	require.NoError(h.t, h.o.GetCapabilities(user, "caps", ch))
	out := make(map[domain.Direction]domain.TransportID)
	for _, dir := range dirs {
		require.NoError(h.t, h.o.CreateTransport(user, "tr-"+string(dir), ch, dir))
		s, ok := h.o.Sessions.Get(user)
		require.True(h.t, ok)
		id, ok := s.Transport(dir)
		require.True(h.t, ok)
		out[dir] = id
	}
	return out
}

func (h *harness) produceMic(user domain.UserID, ch domain.ChannelID, send domain.TransportID) domain.ProducerID {
	h.t.Helper()
	require.NoError(h.t, h.o.Produce(user, "prod", ProduceRequest{
		Channel:       ch,
		Transport:     send,
		Kind:          domain.KindAudio,
		SourceTag:     string(domain.SourceMic),
		RtpParameters: core.RtpParameters{SSRC: 1111},
	}))
	created := h.conns[user].last("producer-created")
	require.NotNil(h.t, created)
	return domain.ProducerID(created["producerId"].(string))
}
