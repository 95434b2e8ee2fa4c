// ABOUTME: Self-driving fake gateway used by daemon tests.
// ABOUTME: Each socket answers Identify with Ready and heartbeats with acks.

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/config"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type autoSocket struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
	seq    int64
}

func newAutoSocket() *autoSocket {
	s := &autoSocket{
		frames: make(chan []byte, 32),
		closed: make(chan struct{}),
	}
	s.push(protocol.OpHello, "", protocol.Hello{HeartbeatInterval: 45000})
	return s
}

func (s *autoSocket) push(op protocol.Opcode, eventType string, d any) {
	p, err := protocol.NewPayload(op, d)
	if err != nil {
		panic(err)
	}
	if op == protocol.OpDispatch {
		s.seq++
		seq := s.seq
		p.S = &seq
		p.T = eventType
	}
	data, err := codec.JSON{}.Pack(p)
	if err != nil {
		panic(err)
	}
	s.frames <- data
}

func (s *autoSocket) Read(ctx context.Context) (bool, []byte, error) {
	select {
	case data := <-s.frames:
		return false, data, nil
	case <-s.closed:
		return false, nil, net.ErrClosed
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (s *autoSocket) Write(ctx context.Context, binary bool, data []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	p, err := codec.JSON{}.Unpack(data)
	if err != nil {
		return err
	}
	switch p.Op {
	case protocol.OpHeartbeat:
		s.push(protocol.OpHeartbeatAck, "", nil)
	case protocol.OpIdentify:
		var body protocol.Identify
		if err := json.Unmarshal(p.D, &body); err != nil {
			return err
		}
		s.push(protocol.OpDispatch, protocol.EventReady, map[string]any{
			"v":          10,
			"session_id": "session-" + strconv.Itoa(body.Shard[0]),
			"user":       map[string]any{"id": "42", "username": "shardbot", "bot": true},
			"guilds":     []any{},
		})
	}
	return nil
}

func (s *autoSocket) Close(code protocol.CloseCode, reason string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type autoDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *autoDialer) Dial(ctx context.Context, url string) (shard.Socket, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return newAutoSocket(), nil
}

func (d *autoDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig returns a config for two explicit shards against a fixed URL so
// no gateway-info request is made.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Gateway: config.GatewayConfig{
			Token:    "test-token",
			URL:      "wss://gateway.test",
			Encoding: "json",
			Status:   "online",
		},
		Sharding: config.ShardingConfig{
			ShardCount:      2,
			TotalShardCount: 2,
		},
		Timeouts: config.TimeoutsConfig{
			IdentifyInterval: 10 * time.Millisecond,
		},
		Broker:   config.BrokerConfig{Kind: "local", SubjectPrefix: config.DefaultSubjectPrefix},
		Cache:    config.CacheConfig{Kind: "memory", MaxSize: 100, TTL: config.DefaultCacheTTL},
		Database: config.DatabaseConfig{Driver: "sqlite", CheckpointInterval: config.DefaultCheckpointInterval},
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.DefaultMetricsPath},
	}
}
