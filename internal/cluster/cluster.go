// ABOUTME: Cluster owns the shards of one bot and presents them as a single unit.
// ABOUTME: Resolves topology, paces identifies and aggregates readiness and ping.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/shardgate/internal/api"
	"github.com/2389/shardgate/internal/metrics"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
	"github.com/2389/shardgate/internal/store"
)

const eventBufferSize = 256

// Cluster coordinates the shards of one bot.
type Cluster struct {
	opts    Options
	gate    *gate
	events  chan shard.Event
	metrics metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// connectMu serializes topology resolution and shard construction.
	connectMu sync.Mutex

	mu        sync.RWMutex
	gateway   *api.GatewayInfo
	topology  Topology
	shards    []*shard.Shard
	announced bool
	closed    bool
}

// New creates a cluster. No shards exist until Connect is called.
func New(opts Options) (*Cluster, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		opts:    opts,
		gate:    newGate(opts.IdentifyInterval),
		events:  make(chan shard.Event, eventBufferSize),
		metrics: m,
		logger:  logger.With("component", "cluster"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.consume()
	return c, nil
}

// FetchGateway returns the gateway info, calling the REST endpoint only when
// nothing is cached or ignoreCache is set.
func (c *Cluster) FetchGateway(ctx context.Context, ignoreCache bool) (*api.GatewayInfo, error) {
	if !ignoreCache {
		c.mu.RLock()
		info := c.gateway
		c.mu.RUnlock()
		if info != nil {
			return info, nil
		}
	}
	if c.opts.API == nil {
		return nil, ErrNoGatewayInfo
	}
	info, err := c.opts.API.GatewayBot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching gateway info: %w", err)
	}
	c.mu.Lock()
	c.gateway = info
	c.mu.Unlock()
	c.logger.Debug("fetched gateway info",
		"url", info.URL,
		"recommended_shards", info.Shards,
		"sessions_remaining", info.SessionStartLimit.Remaining,
	)
	return info, nil
}

// Connect builds the shards on first use and connects all of them
// concurrently. It returns once every shard has settled, with the first
// failure if any.
func (c *Cluster) Connect(ctx context.Context) error {
	shards, err := c.spawn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.announced = false
	c.mu.Unlock()

	var g errgroup.Group
	for _, s := range shards {
		g.Go(func() error {
			if err := s.Connect(ctx); err != nil {
				return fmt.Errorf("shard %d: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// spawn resolves the topology and builds the shards once.
func (c *Cluster) spawn(ctx context.Context) ([]*shard.Shard, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, existing := c.closed, c.shards
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if existing != nil {
		return existing, nil
	}

	var info *api.GatewayInfo
	if c.needsGatewayInfo() {
		var err error
		if info, err = c.FetchGateway(ctx, false); err != nil {
			return nil, err
		}
	}

	topo := c.resolveTopology(info)
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if info != nil {
		if err := c.awaitSessionBudget(ctx, info, topo.ShardCount); err != nil {
			return nil, err
		}
	}

	url := c.opts.GatewayURL
	if url == "" {
		url = info.URL
	}

	shards := make([]*shard.Shard, 0, topo.ShardCount)
	for _, id := range topo.IDs() {
		s, err := shard.New(c.shardOptions(ctx, id, topo.TotalShardCount, url))
		if err != nil {
			for _, built := range shards {
				built.Close()
			}
			return nil, fmt.Errorf("building shard %d: %w", id, err)
		}
		shards = append(shards, s)
	}

	c.mu.Lock()
	c.topology = topo
	c.shards = shards
	c.mu.Unlock()

	c.logger.Info("shards spawned",
		"shard_count", topo.ShardCount,
		"starting_shard", topo.StartingShard,
		"total_shards", topo.TotalShardCount,
	)
	return shards, nil
}

func (c *Cluster) needsGatewayInfo() bool {
	return c.opts.GatewayURL == "" || c.opts.ShardCount == 0 || c.opts.TotalShardCount == 0
}

// resolveTopology fills zero counts. An explicit shard count with an
// automatic total grows the total to cover the requested range.
func (c *Cluster) resolveTopology(info *api.GatewayInfo) Topology {
	topo := Topology{
		ShardCount:      c.opts.ShardCount,
		StartingShard:   c.opts.StartingShard,
		TotalShardCount: c.opts.TotalShardCount,
	}
	if topo.TotalShardCount == 0 {
		topo.TotalShardCount = max(info.Shards, 1)
		if topo.ShardCount > 0 {
			topo.TotalShardCount = max(topo.TotalShardCount, topo.StartingShard+topo.ShardCount)
		}
	}
	if topo.ShardCount == 0 {
		topo.ShardCount = topo.TotalShardCount - topo.StartingShard
	}
	return topo
}

// awaitSessionBudget waits out an exhausted session start budget and, when
// strict, refuses to spawn more shards than the budget allows.
func (c *Cluster) awaitSessionBudget(ctx context.Context, info *api.GatewayInfo, spawning int) error {
	limit := info.SessionStartLimit
	if limit.Total == 0 {
		return nil
	}
	remaining := limit.Remaining
	if remaining == 0 {
		wait := limit.ResetIn()
		c.logger.Warn("session start limit exhausted, waiting for reset", "reset_in", wait)
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		remaining = limit.Total
	}
	if remaining < spawning {
		if c.opts.StrictSessionLimit {
			return fmt.Errorf("%w: %d remaining for %d shards", ErrSessionLimit, remaining, spawning)
		}
		c.logger.Warn("session start limit lower than shard count",
			"remaining", remaining,
			"shards", spawning,
		)
	}
	return nil
}

func (c *Cluster) shardOptions(ctx context.Context, id, total int, url string) shard.Options {
	opts := shard.Options{
		ID:                 id,
		TotalShards:        total,
		Token:              c.opts.Token,
		URL:                url,
		Version:            c.opts.Version,
		Encoding:           c.opts.Encoding,
		Compression:        c.opts.Compression,
		Intents:            c.opts.Intents,
		LargeThreshold:     c.opts.LargeThreshold,
		Properties:         c.opts.Properties,
		Presence:           c.opts.Presence,
		Timeouts:           c.opts.Timeouts,
		ReconnectOnTimeout: c.opts.ReconnectOnTimeout,
		QueueLimit:         c.opts.QueueLimit,
		QueueWindow:        c.opts.QueueWindow,
		Dialer:             c.opts.Dialer,
		Coordinator:        c.gate,
		Events:             c.events,
		Metrics:            c.metrics,
		Logger:             c.opts.Logger,
	}
	if c.opts.Store != nil {
		cp, err := c.opts.Store.GetCheckpoint(ctx, id, total)
		switch {
		case err == nil:
			opts.Session = &shard.Session{ID: cp.SessionID, Sequence: cp.Sequence, ResumeURL: cp.ResumeURL}
			c.logger.Info("resuming shard from checkpoint", "shard_id", id, "sequence", cp.Sequence)
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Warn("loading checkpoint", "shard_id", id, "error", err)
		}
	}
	if c.opts.Configure != nil {
		c.opts.Configure(&opts)
	}
	return opts
}

// Broadcast sends p to every shard one after another. Shards that fail do
// not stop the broadcast; their errors are joined.
func (c *Cluster) Broadcast(ctx context.Context, p protocol.Payload) error {
	shards := c.Shards()
	if len(shards) == 0 {
		return ErrNotConnected
	}
	var errs []error
	for _, s := range shards {
		if err := s.Send(ctx, p, false); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Destroy destroys every shard concurrently and forgets the bot identity.
// A non-fatal destroy checkpoints the sessions first so they can be resumed.
func (c *Cluster) Destroy(ctx context.Context, opts shard.DestroyOptions) error {
	shards := c.Shards()
	if !opts.Fatal && !opts.Reconnect {
		if err := c.Checkpoint(ctx); err != nil {
			c.logger.Warn("checkpointing before destroy", "error", err)
		}
	}

	c.mu.Lock()
	c.announced = false
	c.mu.Unlock()
	c.gate.clearUser()

	var g errgroup.Group
	for _, s := range shards {
		g.Go(func() error {
			if err := s.Destroy(ctx, opts); err != nil {
				return fmt.Errorf("shard %d: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close destroys every shard, stops the event consumer and releases the
// shards. The cluster cannot be reused.
func (c *Cluster) Close() {
	c.connectMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.connectMu.Unlock()
		return
	}
	c.closed = true
	shards := c.shards
	c.mu.Unlock()
	c.connectMu.Unlock()

	var wg sync.WaitGroup
	for _, s := range shards {
		wg.Go(s.Close)
	}
	wg.Wait()

	c.cancel()
	<-c.done
	c.logger.Info("cluster closed")
}

// Ready reports whether every shard is ready.
func (c *Cluster) Ready() bool {
	shards := c.Shards()
	if len(shards) == 0 {
		return false
	}
	for _, s := range shards {
		if s.Status() != shard.StatusReady {
			return false
		}
	}
	return true
}

// Ping returns the mean heartbeat round trip of all shards.
func (c *Cluster) Ping() time.Duration {
	shards := c.Shards()
	if len(shards) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range shards {
		total += s.Ping()
	}
	return total / time.Duration(len(shards))
}

// ShardsSpawned returns how many shards have been built.
func (c *Cluster) ShardsSpawned() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}

// Shards returns the shards in id order.
func (c *Cluster) Shards() []*shard.Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*shard.Shard, len(c.shards))
	copy(out, c.shards)
	return out
}

// Shard returns the shard with the given id.
func (c *Cluster) Shard(id int) (*shard.Shard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := id - c.topology.StartingShard
	if i < 0 || i >= len(c.shards) {
		return nil, false
	}
	return c.shards[i], true
}

// Topology returns the resolved shard range. It is zero before Connect.
func (c *Cluster) Topology() Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topology
}

// User returns the identity reported by the first Ready.
func (c *Cluster) User() (protocol.User, bool) {
	return c.gate.User()
}

// LastIdentifyAt returns when the most recent Identify passed the gate.
func (c *Cluster) LastIdentifyAt() time.Time {
	return c.gate.LastIdentifyAt()
}
