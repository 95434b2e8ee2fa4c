// ABOUTME: Outbound gateway commands a caller can send through a ready shard.
// ABOUTME: Each one is queued like any other payload and counts toward the send cap.

package shard

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/shardgate/internal/protocol"
)

// UpdatePresence changes the bot's presence on this shard.
func (s *Shard) UpdatePresence(ctx context.Context, presence protocol.PresenceUpdate) error {
	return s.sendCommand(ctx, protocol.OpPresenceUpdate, presence)
}

// UpdateVoiceState joins, moves or leaves a voice channel. A nil ChannelID
// disconnects.
func (s *Shard) UpdateVoiceState(ctx context.Context, state protocol.VoiceStateUpdate) error {
	return s.sendCommand(ctx, protocol.OpVoiceStateUpdate, state)
}

// RequestGuildMembers asks for member chunks. The returned nonce matches the
// nonce field of the chunk dispatches answering this request. Generated
// nonces are 32 characters, the gateway maximum.
func (s *Shard) RequestGuildMembers(ctx context.Context, req protocol.RequestGuildMembers) (string, error) {
	if req.Nonce == "" {
		req.Nonce = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if req.Query == nil && len(req.UserIDs) == 0 {
		empty := ""
		req.Query = &empty
	}
	return req.Nonce, s.sendCommand(ctx, protocol.OpRequestGuildMembers, req)
}

func (s *Shard) sendCommand(ctx context.Context, op protocol.Opcode, data any) error {
	p, err := protocol.NewPayload(op, data)
	if err != nil {
		return err
	}
	return s.Send(ctx, p, false)
}
