// Package cluster coordinates a set of gateway shards as one logical
// connection.
//
// # Topology
//
// A cluster owns the shards with ids in [StartingShard, StartingShard+ShardCount)
// out of TotalShardCount. Counts left at zero are resolved once from the
// gateway-info endpoint and then frozen for the lifetime of the cluster.
//
// # Identify Pacing
//
// Every shard waits on a single identify gate before sending Identify, so no
// two Identify commands leave the process less than IdentifyInterval apart,
// however many shards reconnect at once. The gate belongs to the cluster and
// outlives any single shard's destroy.
//
// # Events
//
// Shards report on one channel drained by a single cluster goroutine. It
// publishes dispatches to the configured broker, applies guild cache
// operations, persists session checkpoints and announces when every shard
// is ready.
package cluster
