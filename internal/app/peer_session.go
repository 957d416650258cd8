package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrWrongPhase    = errors.New("negotiation step out of order")
	ErrTransportSet  = errors.New("transport already created for direction")
	ErrSourceBusy    = errors.New("source tag already producing")
)

// Negotiation phases of a peer session.
const (
	PhaseNew    = "new"
	PhaseReady  = "ready"
	PhaseActive = "active"
	PhaseFailed = "failed"
	PhaseClosed = "closed"
)

const (
	EventCapabilities = "capabilities"
	EventTransport    = "transport"
	EventFail         = "fail"
	EventClose        = "close"
)

type QueuedKind int

const (
	QueuedAnnounce QueuedKind = iota
	QueuedConsume
)

// QueuedAnnouncement is a new-producer announcement or an early consume
// request that arrived before the recv transport existed.
type QueuedAnnouncement struct {
	Kind      QueuedKind
	Producer  ProducerInfo
	RequestID string
	Caps      core.RtpCapabilities
}

// Resources are the relay objects a session owned at teardown.
type Resources struct {
	Transports []domain.TransportID
	Producers  []domain.ProducerID
	Consumers  []domain.ConsumerID
}

// PeerSession is one user's media negotiation state inside one channel.
//
// step serializes the user's own negotiation steps and is held across the
// relay round trip. mu guards the fields and is only held for short updates,
// so fan-out from other peers never waits on a relay call.
type PeerSession struct {
	User    domain.UserID
	Channel domain.ChannelID

	ctx    context.Context
	cancel context.CancelFunc
	step   sync.Mutex
	phase  *fsm.FSM

	mu         sync.Mutex
	closed     bool
	transports map[domain.Direction]domain.TransportID
	producers  map[domain.SourceTag]domain.ProducerID
	consumers  map[domain.ProducerID]core.ConsumerInfo
	recvReady  bool
	queue      []QueuedAnnouncement
	announced  map[domain.ProducerID]struct{}
}

func NewPeerSession(parent context.Context, user domain.UserID, channel domain.ChannelID) *PeerSession {
	ctx, cancel := context.WithCancel(parent)
	s := &PeerSession{
		User:       user,
		Channel:    channel,
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.Direction]domain.TransportID),
		producers:  make(map[domain.SourceTag]domain.ProducerID),
		consumers:  make(map[domain.ProducerID]core.ConsumerInfo),
		announced:  make(map[domain.ProducerID]struct{}),
	}
	s.phase = fsm.NewFSM(
		PhaseNew,
		fsm.Events{
			{Name: EventCapabilities, Src: []string{PhaseNew, PhaseReady}, Dst: PhaseReady},
			{Name: EventTransport, Src: []string{PhaseReady, PhaseActive}, Dst: PhaseActive},
			{Name: EventFail, Src: []string{PhaseNew, PhaseReady, PhaseActive}, Dst: PhaseFailed},
			{Name: EventClose, Src: []string{PhaseNew, PhaseReady, PhaseActive, PhaseFailed}, Dst: PhaseClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("module", "app.session").Str("user", string(user)).
					Str("from", e.Src).Str("to", e.Dst).Msg("phase changed")
			},
		},
	)
	return s
}

// Context is cancelled when the session is torn down.
func (s *PeerSession) Context() context.Context { return s.ctx }

func (s *PeerSession) Phase() string { return s.phase.Current() }

// Advance fires a phase event. Firing an event whose target is the current
// phase is a no-op.
func (s *PeerSession) Advance(event string) error {
	err := s.phase.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return ErrWrongPhase
}

// Require fails with ErrWrongPhase unless the session is in one of phases.
func (s *PeerSession) Require(phases ...string) error {
	for _, p := range phases {
		if s.phase.Is(p) {
			return nil
		}
	}
	return ErrWrongPhase
}

// Step runs fn as one exclusive negotiation step.
func (s *PeerSession) Step(fn func(ctx context.Context) error) error {
	s.step.Lock()
	defer s.step.Unlock()
	if s.Closed() {
		return ErrSessionClosed
	}
	return fn(s.ctx)
}

func (s *PeerSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PeerSession) Transport(dir domain.Direction) (domain.TransportID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.transports[dir]
	return id, ok
}

func (s *PeerSession) SetTransport(dir domain.Direction, id domain.TransportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.transports[dir]; ok {
		return ErrTransportSet
	}
	s.transports[dir] = id
	return nil
}

// DirectionOf reports which of the session's transports id is.
func (s *PeerSession) DirectionOf(id domain.TransportID) (domain.Direction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir, t := range s.transports {
		if t == id {
			return dir, true
		}
	}
	return "", false
}

func (s *PeerSession) Producer(tag domain.SourceTag) (domain.ProducerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.producers[tag]
	return id, ok
}

func (s *PeerSession) AddProducer(tag domain.SourceTag, id domain.ProducerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.producers[tag]; ok {
		return ErrSourceBusy
	}
	s.producers[tag] = id
	return nil
}

func (s *PeerSession) RemoveProducer(id domain.ProducerID) (domain.SourceTag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, p := range s.producers {
		if p == id {
			delete(s.producers, tag)
			return tag, true
		}
	}
	return "", false
}

func (s *PeerSession) Consumer(producer domain.ProducerID) (core.ConsumerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[producer]
	return c, ok
}

// AddConsumer records a consumer; false when the producer is already consumed
// or the session is closed.
func (s *PeerSession) AddConsumer(info core.ConsumerInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.consumers[info.ProducerID]; ok {
		return false
	}
	s.consumers[info.ProducerID] = info
	return true
}

func (s *PeerSession) RemoveConsumer(producer domain.ProducerID) (core.ConsumerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[producer]
	if ok {
		delete(s.consumers, producer)
	}
	return c, ok
}

func (s *PeerSession) SetConsumerPaused(producer domain.ProducerID, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[producer]; ok {
		c.Paused = paused
		s.consumers[producer] = c
	}
}

// AnnounceOrQueue decides atomically with the recv readiness whether a
// new-producer announcement goes out now (true) or is queued (false).
// Producers already announced to this session are dropped.
func (s *PeerSession) AnnounceOrQueue(p ProducerInfo) (send bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.announced[p.ID]; ok {
		return false
	}
	if !s.recvReady {
		for _, q := range s.queue {
			if q.Kind == QueuedAnnounce && q.Producer.ID == p.ID {
				return false
			}
		}
		s.queue = append(s.queue, QueuedAnnouncement{Kind: QueuedAnnounce, Producer: p})
		return false
	}
	s.announced[p.ID] = struct{}{}
	return true
}

// QueueConsume buffers a consume request while the recv transport is missing.
// It returns false when the transport is ready and the caller should consume now.
func (s *PeerSession) QueueConsume(q QueuedAnnouncement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvReady || s.closed {
		return false
	}
	q.Kind = QueuedConsume
	s.queue = append(s.queue, q)
	return true
}

// MarkRecvReady flips the session to recv-ready and hands back the queued
// entries in arrival order. The queue is cleared, so each entry is replayed
// exactly once.
func (s *PeerSession) MarkRecvReady() []QueuedAnnouncement {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvReady = true
	q := s.queue
	s.queue = nil
	for _, e := range q {
		if e.Kind == QueuedAnnounce {
			s.announced[e.Producer.ID] = struct{}{}
		}
	}
	return q
}

func (s *PeerSession) RecvReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvReady
}

// Queued returns a copy of the pending buffer.
func (s *PeerSession) Queued() []QueuedAnnouncement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedAnnouncement(nil), s.queue...)
}

// Purge forgets a closed producer: queued entries and the announced mark.
func (s *PeerSession) Purge(producer domain.ProducerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.announced, producer)
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.Producer.ID != producer {
			kept = append(kept, q)
		}
	}
	s.queue = kept
}

// Fail moves the session to the failed phase.
func (s *PeerSession) Fail() {
	_ = s.Advance(EventFail)
}

// Close cancels in-flight steps, waits for the running one, and returns the
// relay objects to release. Only the first call returns resources.
func (s *PeerSession) Close() (Resources, bool) {
	s.cancel()
	s.step.Lock()
	defer s.step.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Resources{}, false
	}
	s.closed = true
	_ = s.phase.Event(context.Background(), EventClose)

	var res Resources
	for _, c := range s.consumers {
		res.Consumers = append(res.Consumers, c.ID)
	}
	for _, p := range s.producers {
		res.Producers = append(res.Producers, p)
	}
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		if t, ok := s.transports[dir]; ok {
			res.Transports = append(res.Transports, t)
		}
	}
	s.consumers = map[domain.ProducerID]core.ConsumerInfo{}
	s.producers = map[domain.SourceTag]domain.ProducerID{}
	s.transports = map[domain.Direction]domain.TransportID{}
	s.queue = nil
	s.announced = map[domain.ProducerID]struct{}{}
	return res, true
}

// SessionTable holds the live session of each user.
type SessionTable struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]*PeerSession
}

func NewSessionTable() *SessionTable {
	return &SessionTable{byUser: make(map[domain.UserID]*PeerSession)}
}

// Create installs a fresh session and returns the one it replaced, if any.
func (t *SessionTable) Create(parent context.Context, user domain.UserID, ch domain.ChannelID) (s, replaced *PeerSession) {
	s = NewPeerSession(parent, user, ch)
	t.mu.Lock()
	defer t.mu.Unlock()
	replaced = t.byUser[user]
	t.byUser[user] = s
	return s, replaced
}

func (t *SessionTable) Get(user domain.UserID) (*PeerSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byUser[user]
	return s, ok
}

// Remove drops s only if it is still the user's current session.
func (t *SessionTable) Remove(user domain.UserID, s *PeerSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byUser[user]; ok && (s == nil || cur == s) {
		delete(t.byUser, user)
		return true
	}
	return false
}

// ByTransport finds the session owning a transport.
func (t *SessionTable) ByTransport(id domain.TransportID) (*PeerSession, domain.Direction, bool) {
	t.mu.RLock()
	sessions := make([]*PeerSession, 0, len(t.byUser))
	for _, s := range t.byUser {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()
	for _, s := range sessions {
		if dir, ok := s.DirectionOf(id); ok {
			return s, dir, true
		}
	}
	return nil, "", false
}

// InChannel returns the sessions of a channel.
func (t *SessionTable) InChannel(ch domain.ChannelID) []*PeerSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*PeerSession
	for _, s := range t.byUser {
		if s.Channel == ch {
			out = append(out, s)
		}
	}
	return out
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser)
}
