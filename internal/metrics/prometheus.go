// ABOUTME: Prometheus implementation of Metrics.
// ABOUTME: Registers shard status, ping, reconnect, dispatch and identify-wait collectors.

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// prometheusMetrics implements Metrics using Prometheus collectors.
type prometheusMetrics struct {
	status       *prometheus.GaugeVec
	ping         *prometheus.GaugeVec
	reconnects   *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	identifyWait prometheus.Histogram

	mu         sync.Mutex
	lastStatus map[int]string
}

// NewPrometheus creates a Prometheus-backed Metrics registered on reg.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	m := &prometheusMetrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardgate_shard_status",
			Help: "Current shard status (1 for the active status label)",
		}, []string{"shard", "status"}),

		ping: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardgate_shard_ping_seconds",
			Help: "Latest heartbeat round trip in seconds",
		}, []string{"shard"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardgate_shard_reconnects_total",
			Help: "Total number of shard reconnects",
		}, []string{"shard", "reason"}),

		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardgate_dispatch_events_total",
			Help: "Total number of dispatch events received",
		}, []string{"shard", "type"}),

		identifyWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardgate_identify_wait_seconds",
			Help:    "Time spent waiting for the cluster identify gate",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		lastStatus: make(map[int]string),
	}

	reg.MustRegister(
		m.status,
		m.ping,
		m.reconnects,
		m.dispatches,
		m.identifyWait,
	)

	return m
}

func (m *prometheusMetrics) ShardStatus(shardID int, status string) {
	shard := strconv.Itoa(shardID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.lastStatus[shardID]; ok && prev != status {
		m.status.WithLabelValues(shard, prev).Set(0)
	}
	m.lastStatus[shardID] = status
	m.status.WithLabelValues(shard, status).Set(1)
}

func (m *prometheusMetrics) ShardPing(shardID int, ping time.Duration) {
	m.ping.WithLabelValues(strconv.Itoa(shardID)).Set(ping.Seconds())
}

func (m *prometheusMetrics) Reconnect(shardID int, reason string) {
	m.reconnects.WithLabelValues(strconv.Itoa(shardID), reason).Inc()
}

func (m *prometheusMetrics) Dispatch(shardID int, eventType string) {
	m.dispatches.WithLabelValues(strconv.Itoa(shardID), eventType).Inc()
}

func (m *prometheusMetrics) IdentifyWait(_ int, wait time.Duration) {
	m.identifyWait.Observe(wait.Seconds())
}

var _ Metrics = (*prometheusMetrics)(nil)
