// ABOUTME: Shard lifecycle: the run loop, connect, destroy and public accessors.
// ABOUTME: All state transitions happen on the loop goroutine started by New.

package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/metrics"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/queue"
)

// DestroyOptions controls Destroy.
type DestroyOptions struct {
	// Reconnect dials again after closing. Destroy then returns the
	// outcome of that connect.
	Reconnect bool
	// Fatal discards the session so the next connection identifies.
	Fatal  bool
	Reason string
	// Code overrides the close code. The default is 1000, or the restart
	// code when reconnecting.
	Code protocol.CloseCode
}

type requestKind int

const (
	requestConnect requestKind = iota
	requestDestroy
)

type request struct {
	kind    requestKind
	destroy DestroyOptions
	result  chan error
}

type connEventKind int

const (
	connOpened connEventKind = iota
	connDialFailed
	connMessage
	connClosed
	connIdentified
)

// connEvent is reported to the run loop by goroutines serving one connection.
type connEvent struct {
	gen    uint64
	kind   connEventKind
	socket Socket
	binary bool
	data   []byte
	err    error
}

// connection is one dial attempt and, once open, its socket.
type connection struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	queue  *queue.Queue

	mu     sync.Mutex
	socket Socket
}

func (c *connection) setSocket(sock Socket) {
	c.mu.Lock()
	c.socket = sock
	c.mu.Unlock()
}

func (c *connection) currentSocket() Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

// Shard is one gateway connection.
type Shard struct {
	id       int
	opts     Options
	codec    codec.Codec
	compress bool
	dialer   Dialer
	coord    Coordinator
	events   chan<- Event
	metrics  metrics.Metrics
	logger   *slog.Logger

	control   chan request
	inbound   chan connEvent
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the run loop.
	gen             uint64
	waiters         []chan error
	timers          timers
	inflater        *codec.Inflater
	ackOutstanding  bool
	lastHeartbeatAt time.Time
	retries         uint

	mu            sync.RWMutex
	conn          *connection
	status        Status
	sequence      *int64
	sessionID     string
	resumeURL     string
	ping          time.Duration
	pendingGuilds map[string]struct{}
}

// New validates opts and starts the shard's run loop. The shard stays idle
// until Connect is called.
func New(opts Options) (*Shard, error) {
	if opts.Token == "" {
		return nil, errors.New("shard: token is required")
	}
	if opts.TotalShards < 1 {
		return nil, fmt.Errorf("shard: total shards must be at least 1, got %d", opts.TotalShards)
	}
	if opts.ID < 0 || opts.ID >= opts.TotalShards {
		return nil, fmt.Errorf("shard: id %d out of range for %d shards", opts.ID, opts.TotalShards)
	}
	if _, err := url.Parse(opts.URL); err != nil || opts.URL == "" {
		return nil, fmt.Errorf("shard: invalid gateway url %q", opts.URL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "shard", "shard_id", opts.ID)

	c, err := codec.Lookup(opts.Encoding)
	if err != nil {
		logger.Warn("encoding unavailable, falling back to json", "encoding", opts.Encoding, "error", err)
		c = codec.JSON{}
	}
	compress := opts.Compression == codec.CompressionZlibStream
	if err := codec.CheckCompression(opts.Compression); err != nil {
		logger.Warn("compression unavailable, disabling", "compression", opts.Compression, "error", err)
		compress = false
	}

	if opts.Version <= 0 {
		opts.Version = DefaultVersion
	}
	if opts.LargeThreshold <= 0 {
		opts.LargeThreshold = DefaultLargeThreshold
	}
	opts.Timeouts.applyDefaults()

	s := &Shard{
		id:       opts.ID,
		opts:     opts,
		codec:    c,
		compress: compress,
		dialer:   opts.Dialer,
		coord:    opts.Coordinator,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   logger,
		control:  make(chan request),
		inbound:  make(chan connEvent, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.dialer == nil {
		s.dialer = WebsocketDialer{}
	}
	if s.coord == nil {
		s.coord = soloCoordinator{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop()
	}
	if sess := opts.Session; sess != nil && sess.ID != "" {
		seq := sess.Sequence
		s.sessionID = sess.ID
		s.sequence = &seq
		s.resumeURL = sess.ResumeURL
	}
	s.metrics.ShardStatus(s.id, StatusIdle.String())

	go s.run()
	return s, nil
}

// ID returns the shard id.
func (s *Shard) ID() int { return s.id }

// Status returns the current lifecycle status.
func (s *Shard) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Sequence returns the last dispatch sequence, or nil before the first one.
func (s *Shard) Sequence() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sequence == nil {
		return nil
	}
	seq := *s.sequence
	return &seq
}

// SessionID returns the current session id, empty when there is none.
func (s *Shard) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Session returns the resumable session. ok is false unless both the
// session id and a sequence are known.
func (s *Shard) Session() (sess Session, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessionID == "" || s.sequence == nil {
		return Session{}, false
	}
	return Session{ID: s.sessionID, Sequence: *s.sequence, ResumeURL: s.resumeURL}, true
}

// Ping returns the latest heartbeat round trip.
func (s *Shard) Ping() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ping
}

// PendingGuilds returns the guilds still awaited after Ready, or nil when
// the shard is not waiting for any.
func (s *Shard) PendingGuilds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingGuilds == nil {
		return nil
	}
	ids := make([]string, 0, len(s.pendingGuilds))
	for id := range s.pendingGuilds {
		ids = append(ids, id)
	}
	return ids
}

// Connect dials the gateway and blocks until the shard is ready, a fatal
// error occurs or a connect phase times out. Connecting a shard that is
// already open reconnects it.
func (s *Shard) Connect(ctx context.Context) error {
	switch st := s.Status(); st {
	case StatusConnecting, StatusDisconnecting:
		return fmt.Errorf("%w: shard %d is %s", ErrInvalidState, s.id, st)
	}
	return s.call(ctx, request{kind: requestConnect})
}

// Destroy closes the connection. With opts.Reconnect it connects again and
// returns that outcome.
func (s *Shard) Destroy(ctx context.Context, opts DestroyOptions) error {
	return s.call(ctx, request{kind: requestDestroy, destroy: opts})
}

// Close destroys the connection and stops the run loop. Pending Connect
// calls are rejected with ErrClosed.
func (s *Shard) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Send queues a payload on the current connection.
func (s *Shard) Send(ctx context.Context, p protocol.Payload, urgent bool) error {
	c := s.connection()
	if c == nil {
		return ErrNotConnected
	}
	select {
	case err := <-c.queue.Enqueue(ctx, s.writeJob(c, p), urgent):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) call(ctx context.Context, req request) error {
	req.result = make(chan error, 1)
	select {
	case s.control <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Shard) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			s.settle(ErrClosed)
			s.destroy(DestroyOptions{Reason: "shard closed"})
			return
		case req := <-s.control:
			s.handleRequest(req)
		case ev := <-s.inbound:
			s.handleConnEvent(ev)
		case <-s.timers.open.C():
			s.timeout(PhaseOpen, s.opts.Timeouts.Open)
		case <-s.timers.hello.C():
			s.timeout(PhaseHello, s.opts.Timeouts.Hello)
		case <-s.timers.ready.C():
			s.timeout(PhaseReady, s.opts.Timeouts.Ready)
		case <-s.timers.resume.C():
			s.timeout(PhaseResume, s.opts.Timeouts.Resume)
		case <-s.timers.guilds.C():
			s.guildsTimedOut()
		case <-s.timers.retry.C():
			s.timers.retry.stop()
			if s.connection() == nil && s.Status() == StatusReconnecting {
				s.connect()
			}
		case <-s.timers.heartbeat.C():
			s.heartbeat(false)
		}
	}
}

func (s *Shard) handleRequest(req request) {
	switch req.kind {
	case requestConnect:
		switch st := s.Status(); st {
		case StatusConnecting, StatusDisconnecting:
			req.result <- fmt.Errorf("%w: shard %d is %s", ErrInvalidState, s.id, st)
		case StatusOpen, StatusWaiting, StatusReady:
			s.waiters = append(s.waiters, req.result)
			s.destroy(DestroyOptions{Reconnect: true, Reason: "reconnect requested"})
		default:
			s.waiters = append(s.waiters, req.result)
			if s.connection() == nil {
				s.timers.retry.stop()
				s.connect()
			}
		}
	case requestDestroy:
		if req.destroy.Reconnect {
			s.waiters = append(s.waiters, req.result)
			s.destroy(req.destroy)
			return
		}
		s.destroy(req.destroy)
		req.result <- nil
	}
}

func (s *Shard) handleConnEvent(ev connEvent) {
	c := s.connection()
	if c == nil || ev.gen != c.gen {
		if ev.kind == connOpened && ev.socket != nil {
			go ev.socket.Close(protocol.CloseNormal, "stale connection")
		}
		return
	}

	switch ev.kind {
	case connOpened:
		s.opened(c, ev.socket)
	case connDialFailed:
		s.dialFailed(ev.err)
	case connMessage:
		s.message(ev.binary, ev.data)
	case connClosed:
		s.closed(ev.err)
	case connIdentified:
		// Ready may already have been handled.
		if st := s.Status(); st != StatusWaiting && st != StatusReady {
			s.timers.ready.arm(s.opts.Timeouts.Ready)
		}
	}
}

func (s *Shard) connect() {
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		gen:    s.gen,
		ctx:    ctx,
		cancel: cancel,
		queue: queue.New(queue.Options{
			Limit:  s.opts.QueueLimit,
			Window: s.opts.QueueWindow,
			Logger: s.logger,
		}),
	}
	if s.compress {
		s.inflater = codec.NewInflater()
	}

	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	if s.Status() != StatusReconnecting {
		s.setStatus(StatusConnecting)
	}

	target := s.gatewayURL()
	s.logger.Debug("dialing gateway", "url", target, "generation", c.gen)
	s.timers.open.arm(s.opts.Timeouts.Open)
	go s.dial(c, target)
}

// gatewayURL picks the resume URL when a session can be resumed and adds the
// protocol query parameters.
func (s *Shard) gatewayURL() string {
	base := s.opts.URL
	if sess, ok := s.Session(); ok && sess.ResumeURL != "" {
		base = sess.ResumeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		s.logger.Warn("invalid resume url, using gateway url", "url", base, "error", err)
		u, _ = url.Parse(s.opts.URL)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(s.opts.Version))
	q.Set("encoding", string(s.codec.Encoding()))
	if s.compress {
		q.Set("compress", string(codec.CompressionZlibStream))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Shard) dial(c *connection, target string) {
	sock, err := s.dialer.Dial(c.ctx, target)
	ev := connEvent{gen: c.gen, kind: connOpened, socket: sock}
	if err != nil {
		ev = connEvent{gen: c.gen, kind: connDialFailed, err: err}
	}
	if !s.deliver(c, ev) && sock != nil {
		_ = sock.Close(protocol.CloseNormal, "connection abandoned")
	}
}

func (s *Shard) read(c *connection, sock Socket) {
	for {
		binary, data, err := sock.Read(context.Background())
		if err != nil {
			s.deliver(c, connEvent{gen: c.gen, kind: connClosed, err: err})
			return
		}
		if !s.deliver(c, connEvent{gen: c.gen, kind: connMessage, binary: binary, data: data}) {
			return
		}
	}
}

// deliver hands ev to the run loop unless the connection is torn down first.
func (s *Shard) deliver(c *connection, ev connEvent) bool {
	select {
	case s.inbound <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (s *Shard) opened(c *connection, sock Socket) {
	c.setSocket(sock)
	go s.read(c, sock)

	s.timers.open.stop()
	s.timers.hello.arm(s.opts.Timeouts.Hello)
	if s.Status() != StatusReconnecting {
		s.setStatus(StatusOpen)
	}
	s.debug("socket open")
}

func (s *Shard) dialFailed(err error) {
	err = fmt.Errorf("dialing gateway: %w", err)
	s.timers.open.stop()
	s.teardown(protocol.CloseNormal, "")
	s.emitError(err)

	if s.Status() == StatusReconnecting {
		wait := retryBase << s.retries
		if wait > retryMax {
			wait = retryMax
		} else {
			s.retries++
		}
		s.logger.Info("reconnect failed, retrying", "wait", wait, "error", err)
		s.timers.retry.arm(wait)
		return
	}
	s.setStatus(StatusIdle)
	s.settle(err)
}

// closed handles a socket closed by the server or a broken connection.
func (s *Shard) closed(err error) {
	var ce *protocol.CloseError
	if !errors.As(err, &ce) {
		s.logger.Info("connection lost", "error", err)
		s.destroy(DestroyOptions{Reconnect: true, Reason: "connection lost"})
		return
	}

	behavior := ce.Code.Behavior(s.opts.Intents, ce.Reason)
	s.logger.Info("gateway closed the connection",
		"code", int(ce.Code),
		"reason", ce.Reason,
		"reconnect", behavior.Reconnect,
		"fatal", behavior.Fatal,
	)
	if behavior.Err != nil {
		s.emitError(behavior.Err)
		s.settle(behavior.Err)
	}
	s.destroy(DestroyOptions{
		Reconnect: behavior.Reconnect,
		Fatal:     behavior.Fatal,
		Reason:    "closed by gateway",
	})
}

func (s *Shard) timeout(phase string, d time.Duration) {
	err := &TimeoutError{Phase: phase, Timeout: d}
	s.emitError(err)
	s.settle(err)
	s.destroy(DestroyOptions{
		Reconnect: s.opts.ReconnectOnTimeout,
		Fatal:     true,
		Reason:    phase + " timeout",
	})
}

func (s *Shard) destroy(opts DestroyOptions) {
	s.logger.Debug("destroying connection",
		"reason", opts.Reason,
		"reconnect", opts.Reconnect,
		"fatal", opts.Fatal,
	)
	s.timers.stopAll()
	if opts.Fatal {
		s.resetSession()
	}
	s.ackOutstanding = false
	s.setPending(nil)

	code := opts.Code
	if code == 0 {
		code = protocol.CloseNormal
		if opts.Reconnect {
			code = protocol.CloseRestart
		}
	}
	if s.connection() != nil {
		s.setStatus(StatusDisconnecting)
		s.teardown(code, opts.Reason)
	}
	s.inflater = nil

	if !opts.Reconnect {
		s.setStatus(StatusIdle)
		s.settle(ErrDestroyed)
		return
	}
	s.metrics.Reconnect(s.id, opts.Reason)
	s.setStatus(StatusReconnecting)
	s.connect()
}

// teardown detaches the current connection, stops its queue and closes its
// socket, waiting up to the close timeout for the close to complete.
func (s *Shard) teardown(code protocol.CloseCode, reason string) {
	c := s.connection()
	if c == nil {
		return
	}
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	c.cancel()
	c.queue.Close()

	sock := c.currentSocket()
	if sock == nil {
		return
	}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		if err := sock.Close(code, reason); err != nil {
			s.logger.Debug("closing socket", "error", err)
		}
	}()

	t := time.NewTimer(s.opts.Timeouts.Close)
	defer t.Stop()
	select {
	case <-closed:
	case <-t.C:
		s.logger.Warn("socket close not confirmed", "timeout", s.opts.Timeouts.Close)
	}
}

func (s *Shard) resetSession() {
	s.mu.Lock()
	had := s.sessionID != "" || s.sequence != nil
	s.sessionID = ""
	s.sequence = nil
	s.resumeURL = ""
	s.mu.Unlock()
	if had {
		s.emit(Event{Kind: EventSessionInvalidated})
	}
}

func (s *Shard) markReady() {
	s.timers.guilds.stop()
	s.setPending(nil)
	s.retries = 0
	s.setStatus(StatusReady)
	s.settle(nil)
	s.emit(Event{Kind: EventReady})
}

// settle resolves every pending Connect or reconnecting Destroy with err.
func (s *Shard) settle(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Shard) connection() *connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Shard) setStatus(st Status) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("status changed", "from", prev.String(), "to", st.String())
		s.metrics.ShardStatus(s.id, st.String())
	}
}

func (s *Shard) setPending(pending map[string]struct{}) {
	s.mu.Lock()
	s.pendingGuilds = pending
	s.mu.Unlock()
}

func (s *Shard) emit(ev Event) {
	if s.events == nil {
		return
	}
	ev.ShardID = s.id
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *Shard) debug(msg string, args ...any) {
	s.logger.Debug(msg, args...)
	s.emit(Event{Kind: EventDebug, Message: msg})
}

func (s *Shard) emitError(err error) {
	s.logger.Warn("shard error", "error", err)
	s.emit(Event{Kind: EventError, Err: err})
}
