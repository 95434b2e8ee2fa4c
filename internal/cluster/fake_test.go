// ABOUTME: Fake gateway server, REST client and publisher for cluster tests.
// ABOUTME: Each fake socket plays the server side of one shard connection.

package cluster

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

	"github.com/2389/shardgate/internal/api"
	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
)

const waitFor = 3 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFrame struct {
	data []byte
	err  error
}

type fakeSocket struct {
	url    string
	frames chan fakeFrame
	writes chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeCode protocol.CloseCode
}

func (f *fakeSocket) Read(ctx context.Context) (bool, []byte, error) {
	select {
	case fr := <-f.frames:
		if fr.err != nil {
			return false, nil, fr.err
		}
		return false, fr.data, nil
	case <-f.closed:
		return false, nil, net.ErrClosed
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (f *fakeSocket) Write(ctx context.Context, binary bool, data []byte) error {
	select {
	case f.writes <- data:
		return nil
	case <-f.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSocket) Close(code protocol.CloseCode, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeSocket) send(t *testing.T, p protocol.Payload) {
	t.Helper()
	data, err := codec.JSON{}.Pack(p)
	require.NoError(t, err)
	f.frames <- fakeFrame{data: data}
}

func (f *fakeSocket) serverClose(code protocol.CloseCode) {
	f.frames <- fakeFrame{err: &protocol.CloseError{Code: code}}
}

func (f *fakeSocket) hello(t *testing.T) {
	t.Helper()
	p, err := protocol.NewPayload(protocol.OpHello, protocol.Hello{HeartbeatInterval: 45000})
	require.NoError(t, err)
	f.send(t, p)
}

func (f *fakeSocket) dispatch(t *testing.T, eventType string, seq int64, d any) {
	t.Helper()
	p, err := protocol.NewPayload(protocol.OpDispatch, d)
	require.NoError(t, err)
	p.S = &seq
	p.T = eventType
	f.send(t, p)
}

// expect returns the next payload written with op, skipping heartbeats.
func (f *fakeSocket) expect(t *testing.T, op protocol.Opcode) protocol.Payload {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-f.writes:
			p, err := codec.JSON{}.Unpack(data)
			require.NoError(t, err)
			if p.Op == protocol.OpHeartbeat && op != protocol.OpHeartbeat {
				continue
			}
			require.Equal(t, op, p.Op, "unexpected payload %s", data)
			return p
		case <-deadline:
			t.Fatalf("no %s payload written", op)
			return protocol.Payload{}
		}
	}
}

// identify answers Hello and Identify with a Ready without guilds and
// returns the shard id from the Identify.
func (f *fakeSocket) identify(t *testing.T) int {
	t.Helper()
	f.hello(t)
	p := f.expect(t, protocol.OpIdentify)
	var body protocol.Identify
	require.NoError(t, json.Unmarshal(p.D, &body))
	id := body.Shard[0]
	f.dispatch(t, protocol.EventReady, 1, map[string]any{
		"v":                  10,
		"session_id":         "session-" + strconv.Itoa(id),
		"resume_gateway_url": "wss://resume.test",
		"user":               map[string]any{"id": "42", "username": "shardbot", "bot": true},
		"guilds":             []any{},
	})
	return id
}

func (f *fakeSocket) waitClosed(t *testing.T) protocol.CloseCode {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(waitFor):
		t.Fatal("socket was not closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type fakeDialer struct {
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (shard.Socket, error) {
	sock := &fakeSocket{
		url:    url,
		frames: make(chan fakeFrame, 32),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	select {
	case d.sockets <- sock:
		return sock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case sock := <-d.sockets:
		return sock
	case <-time.After(waitFor):
		t.Fatal("no shard dialed")
		return nil
	}
}

type fakeAPI struct {
	mu    sync.Mutex
	info  api.GatewayInfo
	err   error
	calls int
}

func (a *fakeAPI) GatewayBot(ctx context.Context) (*api.GatewayInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	info := a.info
	return &info, nil
}

func (a *fakeAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []broker.Message
}

func (p *fakePublisher) Publish(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count(msgType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (p *fakePublisher) find(msgType string) (broker.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.Type == msgType {
			return m, true
		}
	}
	return broker.Message{}, false
}

func gatewayInfo(shards int) api.GatewayInfo {
	return api.GatewayInfo{
		URL:    "wss://gateway.test",
		Shards: shards,
		SessionStartLimit: api.SessionStartLimit{
			Total:          1000,
			Remaining:      1000,
			ResetAfter:     0,
			MaxConcurrency: 1,
		},
	}
}

func newTestCluster(t *testing.T, configure func(*Options)) (*Cluster, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	opts := Options{
		Token:            "test-token",
		IdentifyInterval: 20 * time.Millisecond,
		Dialer:           dialer,
		Logger:           discard,
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, dialer
}

func connectAsync(c *Cluster) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("call did not return")
		return nil
	}
}

// readyCluster connects a cluster and completes the handshake on every
// socket. The sockets are returned indexed by shard id.
func readyCluster(t *testing.T, c *Cluster, dialer *fakeDialer, shards int) map[int]*fakeSocket {
	t.Helper()
	errc := connectAsync(c)
	socks := make(map[int]*fakeSocket, shards)
	for range shards {
		sock := dialer.next(t)
		socks[sock.identify(t)] = sock
	}
	require.NoError(t, waitErr(t, errc))
	return socks
}
