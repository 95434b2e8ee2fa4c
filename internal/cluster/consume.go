// ABOUTME: Single consumer of shard events for the cluster.
// ABOUTME: Publishes dispatches, maintains the guild cache and persists checkpoints.

package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
	"github.com/2389/shardgate/internal/store"
)

// consume drains shard events until the cluster is closed. It must never
// call a blocking shard method: shards block on this channel.
func (c *Cluster) consume() {
	defer close(c.done)

	resumed := make(map[int]bool)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ev, resumed)
		}
	}
}

func (c *Cluster) handleEvent(ev shard.Event, resumed map[int]bool) {
	ctx := c.ctx
	switch ev.Kind {
	case shard.EventDebug:
		c.logger.Debug(ev.Message, "shard_id", ev.ShardID)

	case shard.EventDispatch:
		switch ev.Type {
		case protocol.EventReady:
			resumed[ev.ShardID] = false
		case protocol.EventResumed:
			resumed[ev.ShardID] = true
		}
		c.publish(ctx, ev.ShardID, ev.Type, ev.Data)
		c.applyCache(ctx, ev)

	case shard.EventReady:
		kind := store.HistoryReady
		if resumed[ev.ShardID] {
			kind = store.HistoryResumed
		}
		c.recordHistory(ctx, ev.ShardID, kind, "")
		c.publish(ctx, ev.ShardID, broker.TypeShardReady, nil)
		c.announceReady(ctx)

	case shard.EventSession:
		c.saveCheckpoint(ctx, ev.ShardID, ev.Session)

	case shard.EventSessionInvalidated:
		if c.opts.Store != nil {
			if err := c.opts.Store.DeleteCheckpoint(ctx, ev.ShardID); err != nil {
				c.logger.Warn("deleting checkpoint", "shard_id", ev.ShardID, "error", err)
			}
		}
		c.recordHistory(ctx, ev.ShardID, store.HistoryInvalidated, "")
		c.publish(ctx, ev.ShardID, broker.TypeSessionInvalid, nil)

	case shard.EventError:
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		c.logger.Warn("shard reported error", "shard_id", ev.ShardID, "error", detail)
		c.recordHistory(ctx, ev.ShardID, store.HistoryError, detail)
		data, _ := json.Marshal(map[string]string{"error": detail})
		c.publish(ctx, ev.ShardID, broker.TypeShardError, data)
	}
}

// announceReady publishes the cluster-ready message once every shard is
// ready.
func (c *Cluster) announceReady(ctx context.Context) {
	if !c.Ready() {
		return
	}
	c.mu.Lock()
	if c.announced {
		c.mu.Unlock()
		return
	}
	c.announced = true
	c.mu.Unlock()

	c.logger.Info("all shards ready", "shards", c.ShardsSpawned())
	c.publish(ctx, broker.ClusterShardID, broker.TypeClusterReady, nil)
}

func (c *Cluster) publish(ctx context.Context, shardID int, eventType string, data json.RawMessage) {
	if c.opts.Publisher == nil {
		return
	}
	msg := broker.Message{ShardID: shardID, Type: eventType, Data: data, At: time.Now()}
	if err := c.opts.Publisher.Publish(ctx, msg); err != nil {
		c.logger.Warn("publishing event", "shard_id", shardID, "type", eventType, "error", err)
	}
}

func (c *Cluster) applyCache(ctx context.Context, ev shard.Event) {
	if c.opts.Cache == nil || ev.GuildID == "" {
		return
	}
	var err error
	switch ev.Cache {
	case shard.CacheSet:
		err = c.opts.Cache.Set(ctx, ev.GuildID, ev.Data)
	case shard.CacheDelete:
		err = c.opts.Cache.Delete(ctx, ev.GuildID)
	default:
		return
	}
	if err != nil {
		c.logger.Warn("updating guild cache", "guild_id", ev.GuildID, "error", err)
	}
}

func (c *Cluster) saveCheckpoint(ctx context.Context, shardID int, sess shard.Session) {
	if c.opts.Store == nil {
		return
	}
	cp := &store.Checkpoint{
		ShardID:     shardID,
		TotalShards: c.Topology().TotalShardCount,
		SessionID:   sess.ID,
		Sequence:    sess.Sequence,
		ResumeURL:   sess.ResumeURL,
	}
	if err := c.opts.Store.SaveCheckpoint(ctx, cp); err != nil {
		c.logger.Warn("saving checkpoint", "shard_id", shardID, "error", err)
	}
}

func (c *Cluster) recordHistory(ctx context.Context, shardID int, kind, detail string) {
	if c.opts.Store == nil {
		return
	}
	entry := &store.HistoryEntry{ShardID: shardID, Kind: kind, Detail: detail}
	if err := c.opts.Store.RecordHistory(ctx, entry); err != nil {
		c.logger.Warn("recording shard history", "shard_id", shardID, "error", err)
	}
}
