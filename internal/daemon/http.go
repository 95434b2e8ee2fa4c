// ABOUTME: HTTP status endpoints: liveness, readiness, shard table, metrics and event stream
// ABOUTME: /shards returns a ClusterStatus document the CLI renders

package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/protocol"
)

// ClusterStatus is the body of GET /shards.
type ClusterStatus struct {
	InstanceID      string         `json:"instance_id"`
	Ready           bool           `json:"ready"`
	ShardCount      int            `json:"shard_count"`
	StartingShard   int            `json:"starting_shard"`
	TotalShardCount int            `json:"total_shard_count"`
	PingMS          int64          `json:"ping_ms"`
	User            *protocol.User `json:"user,omitempty"`
	LastIdentifyAt  *time.Time     `json:"last_identify_at,omitempty"`
	Shards          []ShardStatus  `json:"shards"`
}

// ShardStatus is one row of ClusterStatus.
type ShardStatus struct {
	ID            int    `json:"id"`
	Status        string `json:"status"`
	PingMS        int64  `json:"ping_ms"`
	SessionID     string `json:"session_id,omitempty"`
	Sequence      *int64 `json:"sequence,omitempty"`
	PendingGuilds int    `json:"pending_guilds"`
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /ready", d.handleReady)
	mux.HandleFunc("GET /shards", d.handleShards)
	mux.HandleFunc("GET /events", d.handleEvents)
	if d.registry != nil {
		mux.Handle("GET "+d.config.Metrics.Path, promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once every shard is ready.
func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if !d.cluster.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready (%d shards spawned)", d.cluster.ShardsSpawned())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d shards)", d.cluster.ShardsSpawned())
}

func (d *Daemon) handleShards(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Status()); err != nil {
		d.logger.Error("failed to encode shard status", "error", err)
	}
}

// Status snapshots the cluster.
func (d *Daemon) Status() ClusterStatus {
	c := d.cluster
	topo := c.Topology()
	st := ClusterStatus{
		InstanceID:      d.instanceID,
		Ready:           c.Ready(),
		ShardCount:      topo.ShardCount,
		StartingShard:   topo.StartingShard,
		TotalShardCount: topo.TotalShardCount,
		PingMS:          c.Ping().Milliseconds(),
		Shards:          []ShardStatus{},
	}
	if u, ok := c.User(); ok {
		st.User = &u
	}
	if at := c.LastIdentifyAt(); !at.IsZero() {
		st.LastIdentifyAt = &at
	}
	for _, s := range c.Shards() {
		st.Shards = append(st.Shards, ShardStatus{
			ID:            s.ID(),
			Status:        s.Status().String(),
			PingMS:        s.Ping().Milliseconds(),
			SessionID:     s.SessionID(),
			Sequence:      s.Sequence(),
			PendingGuilds: len(s.PendingGuilds()),
		})
	}
	return st
}

// handleEvents streams published messages as server-sent events. The type
// query parameter narrows the stream to one message type.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	msgType := r.URL.Query().Get("type")
	if msgType == "" {
		msgType = broker.AllTypes
	}

	ch, subID := d.hub.Subscribe(r.Context(), msgType)
	d.logger.Debug("event stream opened", "type", msgType, "sub_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := d.writeSSEEvent(w, msg.Type, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event. Only write errors are returned; a message
// that cannot be encoded is logged and skipped.
func (d *Daemon) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		d.logger.Error("failed to marshal SSE data", "event", event, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}
