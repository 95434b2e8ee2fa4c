// ABOUTME: Metrics interface for shard and cluster instrumentation plus a no-op default.
// ABOUTME: Keeps the core packages free of any particular metrics backend.

package metrics

import "time"

// Metrics receives instrumentation from shards and the cluster.
type Metrics interface {
	// ShardStatus records the current lifecycle status of a shard.
	ShardStatus(shardID int, status string)
	// ShardPing records the latest heartbeat round trip of a shard.
	ShardPing(shardID int, ping time.Duration)
	// Reconnect counts a reconnect, labeled with why it happened.
	Reconnect(shardID int, reason string)
	// Dispatch counts a dispatched event.
	Dispatch(shardID int, eventType string)
	// IdentifyWait records how long a shard waited for the identify gate.
	IdentifyWait(shardID int, wait time.Duration)
}

type nop struct{}

func (nop) ShardStatus(int, string)         {}
func (nop) ShardPing(int, time.Duration)    {}
func (nop) Reconnect(int, string)           {}
func (nop) Dispatch(int, string)            {}
func (nop) IdentifyWait(int, time.Duration) {}

// Nop returns a Metrics that discards everything.
func Nop() Metrics { return nop{} }
