// ABOUTME: Inbound frame handling on the run loop: handshake, heartbeats, dispatches.
// ABOUTME: Also builds the queue jobs that write outbound payloads.

package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/queue"
)

func (s *Shard) message(binary bool, data []byte) {
	if binary && s.inflater != nil {
		out, ok, err := s.inflater.Decompress(data)
		if err != nil {
			s.emitError(fmt.Errorf("decompressing frame: %w", err))
			return
		}
		if !ok {
			return
		}
		data = out
	}

	p, err := s.codec.Unpack(data)
	if err != nil {
		s.emitError(fmt.Errorf("unpacking frame: %w", err))
		return
	}
	frame, err := protocol.Decode(p)
	if err != nil {
		s.emitError(err)
		return
	}
	s.handleFrame(frame)
}

func (s *Shard) handleFrame(frame protocol.Frame) {
	switch f := frame.(type) {
	case nil:
	case protocol.HelloFrame:
		s.hello(f)
	case protocol.HeartbeatFrame:
		s.heartbeat(true)
	case protocol.HeartbeatAckFrame:
		s.heartbeatAck()
	case protocol.ReconnectFrame:
		s.debug("gateway requested reconnect")
		s.destroy(DestroyOptions{
			Reconnect: true,
			Reason:    "reconnect requested by gateway",
			Code:      protocol.CloseRestart,
		})
	case protocol.InvalidSessionFrame:
		s.debug(fmt.Sprintf("session invalidated, resumable=%t", f.Resumable))
		s.destroy(DestroyOptions{
			Reconnect: true,
			Fatal:     !f.Resumable,
			Reason:    "invalid session",
		})
	case protocol.DispatchFrame:
		s.dispatch(f)
	case protocol.UnknownFrame:
		s.logger.Debug("ignoring frame", "op", f.Op.String())
	}
}

func (s *Shard) hello(f protocol.HelloFrame) {
	c := s.connection()
	s.timers.hello.stop()
	s.timers.heartbeat.start(f.HeartbeatInterval)
	s.ackOutstanding = false
	s.logger.Debug("hello received", "heartbeat_interval", f.HeartbeatInterval)

	if sess, ok := s.Session(); ok {
		s.debug(fmt.Sprintf("resuming session %s at sequence %d", sess.ID, sess.Sequence))
		s.enqueue(c, protocol.OpResume, protocol.Resume{
			Token:     s.opts.Token,
			SessionID: sess.ID,
			Seq:       sess.Sequence,
		}, true)
		s.timers.resume.arm(s.opts.Timeouts.Resume)
		return
	}

	if s.Status() == StatusReconnecting {
		// A half-present session cannot be resumed; start over.
		s.resetSession()
	}
	s.identify(c)
}

// identify waits for the cluster gate off the loop, then sends Identify at
// the head of the queue. The ready timer starts once it is written.
func (s *Shard) identify(c *connection) {
	ident := protocol.Identify{
		Token:          s.opts.Token,
		Properties:     s.opts.Properties,
		Shard:          [2]int{s.id, s.opts.TotalShards},
		LargeThreshold: s.opts.LargeThreshold,
		Intents:        s.opts.Intents,
		Presence:       s.opts.Presence,
	}

	go func() {
		start := time.Now()
		if err := s.coord.WaitIdentify(c.ctx, s.id); err != nil {
			s.logger.Debug("identify wait abandoned", "error", err)
			return
		}
		s.metrics.IdentifyWait(s.id, time.Since(start))

		if err := <-s.enqueue(c, protocol.OpIdentify, ident, true); err != nil {
			s.logger.Warn("sending identify", "error", err)
			return
		}
		s.logger.Debug("identify sent", "waited", time.Since(start))
		s.deliver(c, connEvent{gen: c.gen, kind: connIdentified})
	}()
}

func (s *Shard) heartbeat(requested bool) {
	c := s.connection()
	if c == nil {
		return
	}
	if s.ackOutstanding && !requested {
		s.debug("heartbeat not acknowledged, reconnecting")
		s.destroy(DestroyOptions{Reconnect: true, Reason: "zombie connection"})
		return
	}

	s.enqueue(c, protocol.OpHeartbeat, s.Sequence(), true)
	s.lastHeartbeatAt = time.Now()
	s.ackOutstanding = true
}

func (s *Shard) heartbeatAck() {
	s.ackOutstanding = false
	if s.lastHeartbeatAt.IsZero() {
		return
	}
	ping := time.Since(s.lastHeartbeatAt)
	s.mu.Lock()
	s.ping = ping
	s.mu.Unlock()
	s.metrics.ShardPing(s.id, ping)
}

func (s *Shard) dispatch(f protocol.DispatchFrame) {
	if f.Sequence != nil {
		s.mu.Lock()
		if s.sequence == nil || *f.Sequence > *s.sequence {
			seq := *f.Sequence
			s.sequence = &seq
		}
		s.mu.Unlock()
	}
	s.metrics.Dispatch(s.id, f.Type)

	ev := Event{Kind: EventDispatch, Type: f.Type, Data: f.Data, Dispatch: f.Event}
	waiting := s.Status() == StatusWaiting
	switch e := f.Event.(type) {
	case protocol.GuildCreate:
		if !waiting {
			ev.Cache, ev.GuildID = CacheSet, e.ID
		}
	case protocol.GuildDelete:
		ev.Cache, ev.GuildID = CacheDelete, e.ID
	}
	s.emit(ev)

	switch e := f.Event.(type) {
	case *protocol.Ready:
		s.ready(e)
	case protocol.GuildCreate:
		if waiting {
			s.guildAvailable(e.ID)
		}
	case protocol.Resumed:
		s.timers.resume.stop()
		s.debug("session resumed")
		s.checkpoint()
		s.markReady()
	}
}

func (s *Shard) ready(r *protocol.Ready) {
	s.timers.ready.stop()
	s.coord.SetUser(r.User)

	s.mu.Lock()
	s.sessionID = r.SessionID
	s.resumeURL = r.ResumeGatewayURL
	s.mu.Unlock()
	s.checkpoint()

	if len(r.Guilds) == 0 {
		s.markReady()
		return
	}
	pending := make(map[string]struct{}, len(r.Guilds))
	for _, g := range r.Guilds {
		pending[g.ID.String()] = struct{}{}
	}
	s.setPending(pending)
	s.setStatus(StatusWaiting)
	s.timers.guilds.arm(s.opts.Timeouts.Guild)
	s.logger.Debug("waiting for guilds", "count", len(pending))
}

func (s *Shard) guildAvailable(id string) {
	s.mu.Lock()
	delete(s.pendingGuilds, id)
	left := len(s.pendingGuilds)
	s.mu.Unlock()

	if left == 0 {
		s.markReady()
		return
	}
	s.timers.guilds.arm(s.opts.Timeouts.Guild)
}

func (s *Shard) guildsTimedOut() {
	s.timers.guilds.stop()
	missing := len(s.PendingGuilds())
	s.logger.Warn("guild sync timed out, marking ready",
		"missing", missing,
		"timeout", s.opts.Timeouts.Guild,
	)
	s.debug(fmt.Sprintf("%d guilds did not arrive within %s", missing, s.opts.Timeouts.Guild))
	s.markReady()
}

func (s *Shard) checkpoint() {
	if sess, ok := s.Session(); ok {
		s.emit(Event{Kind: EventSession, Session: sess})
	}
}

// enqueue writes a command on c's queue. The returned channel reports the
// write result.
func (s *Shard) enqueue(c *connection, op protocol.Opcode, data any, urgent bool) <-chan error {
	p, err := protocol.NewPayload(op, data)
	if err != nil {
		result := make(chan error, 1)
		result <- err
		return result
	}
	return c.queue.Enqueue(c.ctx, s.writeJob(c, p), urgent)
}

func (s *Shard) writeJob(c *connection, p protocol.Payload) queue.Job {
	return func(ctx context.Context) error {
		sock := c.currentSocket()
		if sock == nil {
			return ErrNotConnected
		}
		data, err := s.codec.Pack(p)
		if err != nil {
			return fmt.Errorf("packing %s: %w", p.Op, err)
		}
		return sock.Write(ctx, s.codec.Binary(), data)
	}
}
