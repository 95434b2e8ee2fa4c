// ABOUTME: Guild routing and outbound commands on behalf of the cluster.
// ABOUTME: Guild-scoped commands go to the shard owning the guild.

package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
)

// ShardFor returns the shard of this cluster responsible for guildID.
func (c *Cluster) ShardFor(guildID string) (*shard.Shard, error) {
	topo := c.Topology()
	if topo.TotalShardCount == 0 {
		return nil, ErrNotConnected
	}
	id, err := protocol.ShardFor(guildID, topo.TotalShardCount)
	if err != nil {
		return nil, err
	}
	s, ok := c.Shard(id)
	if !ok {
		return nil, fmt.Errorf("%w: guild %s belongs to shard %d", ErrShardNotManaged, guildID, id)
	}
	return s, nil
}

// UpdatePresence sets the presence on every shard.
func (c *Cluster) UpdatePresence(ctx context.Context, presence protocol.PresenceUpdate) error {
	shards := c.Shards()
	if len(shards) == 0 {
		return ErrNotConnected
	}
	var errs []error
	for _, s := range shards {
		if err := s.UpdatePresence(ctx, presence); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// UpdateVoiceState sends a voice state update on the guild's shard.
func (c *Cluster) UpdateVoiceState(ctx context.Context, state protocol.VoiceStateUpdate) error {
	s, err := c.ShardFor(state.GuildID)
	if err != nil {
		return err
	}
	return s.UpdateVoiceState(ctx, state)
}

// RequestGuildMembers asks the guild's shard for member chunks and returns
// the nonce the chunks will carry.
func (c *Cluster) RequestGuildMembers(ctx context.Context, req protocol.RequestGuildMembers) (string, error) {
	s, err := c.ShardFor(req.GuildID)
	if err != nil {
		return "", err
	}
	return s.RequestGuildMembers(ctx, req)
}
