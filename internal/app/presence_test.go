package app

import (
	"sync"
	"testing"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceJoinLeave(t *testing.T) {
	p := NewPresence()

	var seen []domain.UserID
	_, joined := p.Join("c1", "a", func(m []domain.UserID) { seen = m })
	require.True(t, joined)
	assert.Equal(t, []domain.UserID{"a"}, seen)

	_, joined = p.Join("c1", "b", func(m []domain.UserID) { seen = m })
	require.True(t, joined)
	assert.Equal(t, []domain.UserID{"a", "b"}, seen, "members are in join order")

	_, joined = p.Join("c1", "b", func([]domain.UserID) { t.Fatal("no publish on re-join") })
	assert.False(t, joined)

	assert.True(t, p.Leave("c1", "a", func(m []domain.UserID) { seen = m }))
	assert.Equal(t, []domain.UserID{"b"}, seen)
	assert.False(t, p.Leave("c1", "a", nil), "second leave is a no-op")
	assert.False(t, p.Leave("c2", "b", nil), "leave of another channel is a no-op")

	assert.True(t, p.Leave("c1", "b", nil))
	assert.Empty(t, p.Snapshot(), "empty channels are dropped")
}

func TestPresenceSingleChannelPerUser(t *testing.T) {
	p := NewPresence()
	p.Join("c1", "a", nil)
	prev, joined := p.Join("c2", "a", nil)

	assert.True(t, joined)
	assert.Equal(t, domain.ChannelID("c1"), prev)
	assert.Zero(t, p.Count("c1"))
	ch, ok := p.ChannelOf("a")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("c2"), ch)
	assert.True(t, p.IsMember("c2", "a"))
	assert.Equal(t, 1, p.Total())
}

func TestPresenceConcurrentJoins(t *testing.T) {
	p := NewPresence()
	var wg sync.WaitGroup
	var mu sync.Mutex
	sizes := map[int]bool{}
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := domain.UserID(rune('A' + i))
			p.Join("c1", user, func(m []domain.UserID) {
				mu.Lock()
				sizes[len(m)] = true
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, p.Count("c1"))
	for n := 1; n <= 50; n++ {
		assert.True(t, sizes[n], "every intermediate member count is observed exactly under the lock: %d", n)
	}
}
