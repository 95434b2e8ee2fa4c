// ABOUTME: Fake socket, dialer and coordinator driving the shard in tests.
// ABOUTME: The fake socket plays the server side of one connection.

package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/protocol"
)

const waitFor = 2 * time.Second

type fakeFrame struct {
	binary bool
	data   []byte
	err    error
}

type fakeSocket struct {
	url    string
	codec  codec.Codec
	frames chan fakeFrame
	writes chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeCode protocol.CloseCode

	zbuf bytes.Buffer
	zw   *zlib.Writer
}

func newFakeSocket(url string, c codec.Codec) *fakeSocket {
	return &fakeSocket{
		url:    url,
		codec:  c,
		frames: make(chan fakeFrame, 32),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) Read(ctx context.Context) (bool, []byte, error) {
	select {
	case fr := <-f.frames:
		if fr.err != nil {
			return false, nil, fr.err
		}
		return fr.binary, fr.data, nil
	case <-f.closed:
		return false, nil, net.ErrClosed
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (f *fakeSocket) Write(ctx context.Context, binary bool, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
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

func (f *fakeSocket) send(t *testing.T, op protocol.Opcode, d any) {
	t.Helper()
	p, err := protocol.NewPayload(op, d)
	require.NoError(t, err)
	f.push(t, p)
}

func (f *fakeSocket) dispatch(t *testing.T, eventType string, seq int64, d any) {
	t.Helper()
	p, err := protocol.NewPayload(protocol.OpDispatch, d)
	require.NoError(t, err)
	p.S = &seq
	p.T = eventType
	f.push(t, p)
}

func (f *fakeSocket) push(t *testing.T, p protocol.Payload) {
	t.Helper()
	data, err := f.codec.Pack(p)
	require.NoError(t, err)
	f.frames <- fakeFrame{binary: f.codec.Binary(), data: data}
}

// pushCompressed sends p as one zlib-stream message.
func (f *fakeSocket) pushCompressed(t *testing.T, op protocol.Opcode, d any) {
	t.Helper()
	p, err := protocol.NewPayload(op, d)
	require.NoError(t, err)
	data, err := codec.JSON{}.Pack(p)
	require.NoError(t, err)

	if f.zw == nil {
		f.zw = zlib.NewWriter(&f.zbuf)
	}
	_, err = f.zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.zw.Flush())
	frame := append([]byte(nil), f.zbuf.Bytes()...)
	f.zbuf.Reset()
	f.frames <- fakeFrame{binary: true, data: frame}
}

func (f *fakeSocket) hello(t *testing.T, intervalMS int64) {
	t.Helper()
	f.send(t, protocol.OpHello, protocol.Hello{HeartbeatInterval: intervalMS})
}

func (f *fakeSocket) serverClose(code protocol.CloseCode) {
	f.frames <- fakeFrame{err: &protocol.CloseError{Code: code}}
}

// expect returns the next payload written with op. Heartbeats are skipped
// unless op is a heartbeat.
func (f *fakeSocket) expect(t *testing.T, op protocol.Opcode) protocol.Payload {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-f.writes:
			p, err := f.codec.Unpack(data)
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
	codec   codec.Codec
	block   bool
	err     error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 8), codec: codec.JSON{}}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	sock := newFakeSocket(url, d.codec)
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
		t.Fatal("shard did not dial")
		return nil
	}
}

func (d *fakeDialer) assertNoDial(t *testing.T) {
	t.Helper()
	select {
	case sock := <-d.sockets:
		t.Fatalf("unexpected dial to %s", sock.url)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeCoordinator struct {
	mu         sync.Mutex
	identifies int
	user       protocol.User
}

func (c *fakeCoordinator) WaitIdentify(ctx context.Context, shardID int) error {
	c.mu.Lock()
	c.identifies++
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeCoordinator) SetUser(user protocol.User) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

func (c *fakeCoordinator) identifyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identifies
}

func (c *fakeCoordinator) currentUser() protocol.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

type harness struct {
	shard  *Shard
	dialer *fakeDialer
	coord  *fakeCoordinator
	events chan Event
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		coord:  &fakeCoordinator{},
		events: make(chan Event, 256),
	}
	opts := Options{
		ID:          0,
		TotalShards: 1,
		Token:       "test-token",
		URL:         "wss://gateway.test",
		Dialer:      h.dialer,
		Coordinator: h.coord,
		Events:      h.events,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.shard = s
	return h
}

func (h *harness) connect() <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.shard.Connect(context.Background()) }()
	return errc
}

func (h *harness) waitEvent(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event not emitted")
			return Event{}
		}
	}
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.shard.Status() == want }, waitFor, 5*time.Millisecond,
		"status is %s, want %s", h.shard.Status(), want)
}

// readyShard connects and completes a fresh handshake without guilds.
func (h *harness) readyShard(t *testing.T, intervalMS int64) *fakeSocket {
	t.Helper()
	errc := h.connect()
	sock := h.dialer.next(t)
	sock.hello(t, intervalMS)
	sock.expect(t, protocol.OpIdentify)
	sock.dispatch(t, protocol.EventReady, 1, map[string]any{
		"v":                  10,
		"session_id":         "session-1",
		"resume_gateway_url": "wss://resume.test",
		"user":               map[string]any{"id": "42", "username": "shardbot", "bot": true},
		"guilds":             []any{},
	})
	requireResult(t, errc)
	return sock
}

func requireResult(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("call did not return")
	}
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

func seq(n int64) *int64 { return &n }

func decodeBody(t *testing.T, p protocol.Payload, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(p.D, v))
}
