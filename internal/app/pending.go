package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voicehub/internal/domain"
)

var (
	ErrUnknownNegotiation = errors.New("unknown negotiation")
	ErrDuplicateRequest   = errors.New("duplicate request id")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrNegotiationDropped = errors.New("negotiation dropped")
)

// Result is the outcome of one negotiation step.
type Result struct {
	Value any
	Err   error
}

// Pending is a one-shot slot awaiting a relay answer.
type Pending struct {
	Key     string
	Started time.Time
	ch      chan Result
}

// PendingTable tracks in-flight negotiations by request key.
// Every entry is resolved at most once.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*Pending)}
}

// PendingKey scopes a client request id to its user.
func PendingKey(user domain.UserID, requestID string) string {
	return fmt.Sprintf("%s/%s", user, requestID)
}

func (t *PendingTable) Register(key string) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	}
	p := &Pending{Key: key, Started: time.Now(), ch: make(chan Result, 1)}
	t.entries[key] = p
	return p, nil
}

// Resolve delivers res to the waiter. Unknown keys, including already
// resolved, timed out and dropped ones, return ErrUnknownNegotiation.
func (t *PendingTable) Resolve(key string, res Result) error {
	t.mu.Lock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNegotiation, key)
	}
	p.ch <- res
	return nil
}

// Wait blocks until p is resolved, the timeout elapses or ctx is done.
// On timeout or cancellation the entry is removed, so a late answer is
// reported as unknown by Resolve.
func (t *PendingTable) Wait(ctx context.Context, p *Pending, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case res := <-p.ch:
		return res, nil
	case <-timer.C:
		cause = ErrNegotiationTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if t.remove(p.Key) {
		return Result{}, cause
	}
	// resolved concurrently; the answer is already on its way
	return <-p.ch, nil
}

func (t *PendingTable) remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// DropUser fails every pending negotiation of a user.
func (t *PendingTable) DropUser(user domain.UserID) int {
	prefix := string(user) + "/"
	t.mu.Lock()
	var dropped []*Pending
	for k, p := range t.entries {
		if strings.HasPrefix(k, prefix) {
			dropped = append(dropped, p)
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
	for _, p := range dropped {
		p.ch <- Result{Err: ErrNegotiationDropped}
	}
	return len(dropped)
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
