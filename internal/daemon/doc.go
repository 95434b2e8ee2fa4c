// Package daemon runs a cluster as a long-lived service.
//
// New turns a config.Config into live backends: an in-process broker.Hub
// (plus NATS when configured), a memory or Redis guild cache, a SQLite
// checkpoint store and optional Prometheus metrics. Run then starts the
// status servers, connects the cluster and checkpoints sessions until the
// context ends. Shutdown destroys the shards without discarding their
// sessions, so the next start resumes them.
//
// # Endpoints
//
// HTTP:
//
//	GET /health   liveness, always 200
//	GET /ready    200 once every shard is ready, 503 otherwise
//	GET /shards   ClusterStatus as JSON
//	GET /events   server-sent events from the hub (?type= filters)
//	GET /metrics  Prometheus exposition, when metrics.enabled is set
//
// gRPC: the standard grpc.health.v1 service. The empty service name reports
// the cluster; ShardService(id) reports one shard.
//
// With tailscale.enabled the servers listen on a tsnet node instead of the
// configured TCP addresses.
package daemon
