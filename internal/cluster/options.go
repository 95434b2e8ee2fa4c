// ABOUTME: Cluster configuration, topology and typed errors.
// ABOUTME: Shard counts of zero are resolved from the gateway-info endpoint.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/shardgate/internal/api"
	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/cache"
	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/metrics"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
	"github.com/2389/shardgate/internal/store"
)

var (
	// ErrInvalidTopology is returned when the shard range does not fit the
	// total shard count.
	ErrInvalidTopology = errors.New("invalid shard topology")

	// ErrSessionLimit is returned with StrictSessionLimit when the session
	// start budget cannot cover the shards being spawned.
	ErrSessionLimit = errors.New("session start limit exhausted")

	// ErrNoGatewayInfo is returned when gateway info is needed but no API
	// client is configured.
	ErrNoGatewayInfo = errors.New("no gateway info source configured")

	// ErrNotConnected is returned before the shards have been built.
	ErrNotConnected = errors.New("cluster not connected")

	// ErrShardNotManaged is returned when a guild routes to a shard outside
	// this cluster's range.
	ErrShardNotManaged = errors.New("shard not managed by this cluster")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("cluster closed")
)

// GatewayFetcher is the REST call that reports the gateway url, the
// recommended shard count and the session start budget.
type GatewayFetcher interface {
	GatewayBot(ctx context.Context) (*api.GatewayInfo, error)
}

// Topology is the resolved shard range of a cluster.
type Topology struct {
	ShardCount      int `json:"shard_count"`
	StartingShard   int `json:"starting_shard"`
	TotalShardCount int `json:"total_shard_count"`
}

// IDs returns the shard ids owned by the cluster in order.
func (t Topology) IDs() []int {
	ids := make([]int, t.ShardCount)
	for i := range ids {
		ids[i] = t.StartingShard + i
	}
	return ids
}

// Validate checks the shard range.
func (t Topology) Validate() error {
	switch {
	case t.ShardCount < 1:
		return fmt.Errorf("%w: shard count must be at least 1, got %d", ErrInvalidTopology, t.ShardCount)
	case t.StartingShard < 0:
		return fmt.Errorf("%w: starting shard must not be negative, got %d", ErrInvalidTopology, t.StartingShard)
	case t.StartingShard+t.ShardCount > t.TotalShardCount:
		return fmt.Errorf("%w: shards %d..%d exceed total of %d", ErrInvalidTopology,
			t.StartingShard, t.StartingShard+t.ShardCount-1, t.TotalShardCount)
	}
	return nil
}

// Options configures a Cluster.
type Options struct {
	Token string
	// GatewayURL overrides the url returned by the gateway-info endpoint.
	GatewayURL string

	// Zero means resolve from the recommended shard count.
	ShardCount      int
	StartingShard   int
	TotalShardCount int

	Version        int
	Encoding       codec.Encoding
	Compression    codec.Compression
	Intents        protocol.Intents
	LargeThreshold int
	Properties     protocol.IdentifyProperties
	Presence       *protocol.PresenceUpdate

	Timeouts           shard.Timeouts
	ReconnectOnTimeout bool
	IdentifyInterval   time.Duration
	// StrictSessionLimit refuses to connect when the remaining session
	// starts are fewer than the shards to spawn.
	StrictSessionLimit bool

	QueueLimit  int
	QueueWindow time.Duration

	API       GatewayFetcher
	Dialer    shard.Dialer
	Publisher broker.Publisher
	Cache     cache.GuildCache
	Store     store.Store
	Metrics   metrics.Metrics
	Logger    *slog.Logger

	// Configure adjusts the options of each shard before it is built.
	Configure func(*shard.Options)
}

func (o Options) validate() error {
	if o.Token == "" {
		return errors.New("cluster: token is required")
	}
	if o.ShardCount < 0 || o.StartingShard < 0 || o.TotalShardCount < 0 {
		return fmt.Errorf("%w: shard counts must not be negative", ErrInvalidTopology)
	}
	return nil
}
