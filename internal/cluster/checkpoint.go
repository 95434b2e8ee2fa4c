// ABOUTME: Periodic persistence of shard sessions so a restart can resume.
// ABOUTME: Checkpoints carry the latest sequence, not only the one seen at Ready.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/shardgate/internal/store"
)

// Checkpoint saves the resumable session of every shard that has one.
func (c *Cluster) Checkpoint(ctx context.Context) error {
	if c.opts.Store == nil {
		return nil
	}
	total := c.Topology().TotalShardCount
	var errs []error
	for _, s := range c.Shards() {
		sess, ok := s.Session()
		if !ok {
			continue
		}
		err := c.opts.Store.SaveCheckpoint(ctx, &store.Checkpoint{
			ShardID:     s.ID(),
			TotalShards: total,
			SessionID:   sess.ID,
			Sequence:    sess.Sequence,
			ResumeURL:   sess.ResumeURL,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// RunCheckpoints calls Checkpoint every interval until ctx is done.
func (c *Cluster) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.opts.Store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Checkpoint(ctx); err != nil {
				c.logger.Warn("periodic checkpoint failed", "error", err)
			}
		}
	}
}
