// ABOUTME: Cluster-wide identify gate and shared bot identity.
// ABOUTME: Implements shard.Coordinator for every shard of a cluster.

package cluster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/shardgate/internal/protocol"
)

// DefaultIdentifyInterval is the minimum spacing between two Identify
// commands across the cluster.
const DefaultIdentifyInterval = 5 * time.Second

// gate serializes identifies and holds the identity reported by Ready.
type gate struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	lastIdentifyAt time.Time
	user           *protocol.User
}

func newGate(interval time.Duration) *gate {
	if interval <= 0 {
		interval = DefaultIdentifyInterval
	}
	return &gate{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// WaitIdentify blocks until the shard may identify or ctx is done.
func (g *gate) WaitIdentify(ctx context.Context, shardID int) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.lastIdentifyAt = time.Now()
	g.mu.Unlock()
	return nil
}

// SetUser records the identity from the first Ready. Later shards do not
// replace it.
func (g *gate) SetUser(user protocol.User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		u := user
		g.user = &u
	}
}

func (g *gate) User() (protocol.User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		return protocol.User{}, false
	}
	return *g.user, true
}

func (g *gate) clearUser() {
	g.mu.Lock()
	g.user = nil
	g.mu.Unlock()
}

func (g *gate) LastIdentifyAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastIdentifyAt
}
