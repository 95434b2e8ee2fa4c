// ABOUTME: Tests for the cluster-wide identify gate.
// ABOUTME: Verifies pacing across concurrent shards, cancellation and identity handling.

package cluster

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/2389/shardgate/internal/protocol"
)

func TestGate_PacesConcurrentIdentifies(t *testing.T) {
	const interval = 50 * time.Millisecond
	g := newGate(interval)

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for id := range 4 {
		wg.Go(func() {
			assert.NoError(t, g.WaitIdentify(context.Background(), id))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, times, 4)
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	assert.GreaterOrEqual(t, times[3].Sub(times[0]), 3*interval-10*time.Millisecond,
		"four identifies must span at least three intervals")
	assert.False(t, g.LastIdentifyAt().IsZero())
}

func TestGate_WaitRespectsContext(t *testing.T) {
	g := newGate(time.Hour)
	require.NoError(t, g.WaitIdentify(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.WaitIdentify(ctx, 1))
}

func TestGate_DefaultInterval(t *testing.T) {
	g := newGate(0)
	assert.Equal(t, rate.Every(DefaultIdentifyInterval), g.limiter.Limit())
}

func TestGate_User(t *testing.T) {
	g := newGate(time.Second)

	_, ok := g.User()
	assert.False(t, ok)

	g.SetUser(protocol.User{ID: "1", Username: "first"})
	g.SetUser(protocol.User{ID: "1", Username: "stale"})
	u, ok := g.User()
	require.True(t, ok)
	assert.Equal(t, "first", u.Username)

	g.clearUser()
	_, ok = g.User()
	assert.False(t, ok)

	g.SetUser(protocol.User{ID: "2", Username: "second"})
	u, _ = g.User()
	assert.Equal(t, "second", u.Username)
}
