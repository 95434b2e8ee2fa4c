// ABOUTME: Guild cache boundary used by the cluster for guild lifecycle events.
// ABOUTME: Values are the raw guild payloads as received from the gateway.

package cache

import (
	"context"
	"encoding/json"
)

// GuildCache stores guild payloads by guild id.
type GuildCache interface {
	// Get returns the payload and whether it was present.
	Get(ctx context.Context, guildID string) (json.RawMessage, bool, error)
	Set(ctx context.Context, guildID string, data json.RawMessage) error
	Delete(ctx context.Context, guildID string) error
	Close() error
}
