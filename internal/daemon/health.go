// ABOUTME: Mirrors cluster and shard readiness into the gRPC health service
// ABOUTME: Service "" is the whole cluster; each shard has its own service name

package daemon

import (
	"context"
	"strconv"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/shard"
)

// ShardService returns the health service name of a shard.
func ShardService(id int) string {
	return "shardgate.shard." + strconv.Itoa(id)
}

// watchHealth refreshes the health service on every tick and whenever a
// lifecycle message is published.
func (d *Daemon) watchHealth(ctx context.Context) {
	ready, _ := d.hub.Subscribe(ctx, broker.TypeShardReady)
	failed, _ := d.hub.Subscribe(ctx, broker.TypeShardError)
	clusterReady, _ := d.hub.Subscribe(ctx, broker.TypeClusterReady)

	ticker := time.NewTicker(d.healthInterval)
	defer ticker.Stop()

	d.refreshHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-ready:
			if !ok {
				return
			}
		case _, ok := <-failed:
			if !ok {
				return
			}
		case _, ok := <-clusterReady:
			if !ok {
				return
			}
		}
		d.refreshHealth()
	}
}

func (d *Daemon) refreshHealth() {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if d.cluster.Ready() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	d.health.SetServingStatus("", overall)

	for _, s := range d.cluster.Shards() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if s.Status() == shard.StatusReady {
			st = healthpb.HealthCheckResponse_SERVING
		}
		d.health.SetServingStatus(ShardService(s.ID()), st)
	}
}
