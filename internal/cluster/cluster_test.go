// ABOUTME: Tests for the cluster coordinator against fake shards and REST.
// ABOUTME: Covers topology, identify pacing, events, checkpoints and routing.

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shardgate/internal/broker"
	"github.com/2389/shardgate/internal/cache"
	"github.com/2389/shardgate/internal/protocol"
	"github.com/2389/shardgate/internal/shard"
	"github.com/2389/shardgate/internal/store"
)

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "token is required")

	_, err = New(Options{Token: "x", ShardCount: -1})
	assert.ErrorIs(t, err, ErrInvalidTopology)
}

func TestCluster_FetchGateway(t *testing.T) {
	fake := &fakeAPI{info: gatewayInfo(3)}
	c, _ := newTestCluster(t, func(o *Options) { o.API = fake })
	ctx := context.Background()

	info, err := c.FetchGateway(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Shards)

	_, err = c.FetchGateway(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.callCount(), "cached info should be reused")

	_, err = c.FetchGateway(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.callCount())
}

func TestCluster_FetchGateway_Errors(t *testing.T) {
	t.Run("no api", func(t *testing.T) {
		c, _ := newTestCluster(t, nil)
		_, err := c.FetchGateway(context.Background(), false)
		assert.ErrorIs(t, err, ErrNoGatewayInfo)
	})

	t.Run("api failure", func(t *testing.T) {
		boom := errors.New("boom")
		c, _ := newTestCluster(t, func(o *Options) { o.API = &fakeAPI{err: boom} })
		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, c.ShardsSpawned())
	})
}

func TestTopology_Validate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		wantErr bool
	}{
		{"all shards", Topology{ShardCount: 4, StartingShard: 0, TotalShardCount: 4}, false},
		{"tail range", Topology{ShardCount: 2, StartingShard: 2, TotalShardCount: 4}, false},
		{"no shards", Topology{ShardCount: 0, TotalShardCount: 4}, true},
		{"negative start", Topology{ShardCount: 1, StartingShard: -1, TotalShardCount: 4}, true},
		{"past total", Topology{ShardCount: 2, StartingShard: 3, TotalShardCount: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topo.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTopology)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCluster_ResolveTopology(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		info int
		want Topology
	}{
		{"all auto", Options{}, 3, Topology{ShardCount: 3, TotalShardCount: 3}},
		{"auto count after start", Options{StartingShard: 1}, 3, Topology{ShardCount: 2, StartingShard: 1, TotalShardCount: 3}},
		{"explicit count grows total", Options{ShardCount: 4}, 2, Topology{ShardCount: 4, TotalShardCount: 4}},
		{"explicit total", Options{TotalShardCount: 8, StartingShard: 4}, 2, Topology{ShardCount: 4, StartingShard: 4, TotalShardCount: 8}},
		{"zero recommendation", Options{}, 0, Topology{ShardCount: 1, TotalShardCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Cluster{opts: tt.opts}
			info := gatewayInfo(tt.info)
			assert.Equal(t, tt.want, c.resolveTopology(&info))
		})
	}
}

func TestCluster_Connect_InvalidTopology(t *testing.T) {
	c, _ := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 2
		o.StartingShard = 2
		o.TotalShardCount = 3
	})
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTopology)
	assert.Equal(t, 0, c.ShardsSpawned())
}

func TestCluster_Connect_AutoShards(t *testing.T) {
	fake := &fakeAPI{info: gatewayInfo(2)}
	pub := &fakePublisher{}
	c, dialer := newTestCluster(t, func(o *Options) {
		o.API = fake
		o.Publisher = pub
		o.IdentifyInterval = 100 * time.Millisecond
	})

	errc := connectAsync(c)
	var identified []time.Time
	ids := map[int]bool{}
	for range 2 {
		sock := dialer.next(t)
		assert.True(t, strings.HasPrefix(sock.url, "wss://gateway.test?"), "dialed %s", sock.url)
		ids[sock.identify(t)] = true
		identified = append(identified, time.Now())
	}
	require.NoError(t, waitErr(t, errc))

	assert.Equal(t, map[int]bool{0: true, 1: true}, ids)
	assert.Equal(t, 1, fake.callCount())
	assert.Equal(t, 2, c.ShardsSpawned())
	assert.Equal(t, Topology{ShardCount: 2, TotalShardCount: 2}, c.Topology())
	assert.True(t, c.Ready())
	assert.GreaterOrEqual(t, identified[1].Sub(identified[0]), 80*time.Millisecond,
		"identifies must be paced across shards")

	user, ok := c.User()
	require.True(t, ok)
	assert.Equal(t, "42", user.ID.String())
	assert.False(t, c.LastIdentifyAt().IsZero())

	require.Eventually(t, func() bool { return pub.count(broker.TypeClusterReady) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 2, pub.count(broker.TypeShardReady))
	assert.Equal(t, 2, pub.count(protocol.EventReady))
	msg, _ := pub.find(broker.TypeClusterReady)
	assert.Equal(t, broker.ClusterShardID, msg.ShardID)
}

func TestCluster_Connect_ShardRange(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://override.test"
		o.ShardCount = 2
		o.StartingShard = 2
		o.TotalShardCount = 4
	})

	socks := readyCluster(t, c, dialer, 2)
	assert.Contains(t, socks, 2)
	assert.Contains(t, socks, 3)
	assert.True(t, strings.HasPrefix(socks[2].url, "wss://override.test?"))

	s, ok := c.Shard(3)
	require.True(t, ok)
	assert.Equal(t, 3, s.ID())
	_, ok = c.Shard(0)
	assert.False(t, ok)
}

func TestCluster_Connect_Twice_ReusesShards(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
	})
	readyCluster(t, c, dialer, 1)
	first := c.Shards()[0]

	// Connecting a ready shard reconnects it and resumes the session.
	errc := connectAsync(c)
	sock := dialer.next(t)
	assert.True(t, strings.HasPrefix(sock.url, "wss://resume.test?"))
	sock.hello(t)
	sock.expect(t, protocol.OpResume)
	sock.dispatch(t, protocol.EventResumed, 2, map[string]any{})
	require.NoError(t, waitErr(t, errc))

	assert.Same(t, first, c.Shards()[0])
	assert.Equal(t, 1, c.ShardsSpawned())
}

func TestCluster_SessionStartLimit(t *testing.T) {
	t.Run("strict refuses", func(t *testing.T) {
		info := gatewayInfo(4)
		info.SessionStartLimit.Remaining = 2
		c, _ := newTestCluster(t, func(o *Options) {
			o.API = &fakeAPI{info: info}
			o.StrictSessionLimit = true
		})
		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, ErrSessionLimit)
		assert.Equal(t, 0, c.ShardsSpawned())
	})

	t.Run("exhausted waits for reset", func(t *testing.T) {
		info := gatewayInfo(1)
		info.SessionStartLimit.Remaining = 0
		info.SessionStartLimit.ResetAfter = 100
		c, dialer := newTestCluster(t, func(o *Options) { o.API = &fakeAPI{info: info} })

		start := time.Now()
		readyCluster(t, c, dialer, 1)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("exhausted respects context", func(t *testing.T) {
		info := gatewayInfo(1)
		info.SessionStartLimit.Remaining = 0
		info.SessionStartLimit.ResetAfter = 60_000
		c, _ := newTestCluster(t, func(o *Options) { o.API = &fakeAPI{info: info} })

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
	})
}

func TestCluster_Connect_FatalShardError(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
	})
	errc := connectAsync(c)
	sock := dialer.next(t)
	sock.hello(t)
	sock.expect(t, protocol.OpIdentify)
	sock.serverClose(protocol.CloseAuthenticationFailed)

	err := waitErr(t, errc)
	assert.ErrorIs(t, err, protocol.ErrTokenInvalid)
	assert.Contains(t, err.Error(), "shard 0")
	assert.False(t, c.Ready())
}

func TestCluster_ResumesFromCheckpoint(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveCheckpoint(ctx, &store.Checkpoint{
		ShardID:     0,
		TotalShards: 1,
		SessionID:   "stored-session",
		Sequence:    41,
		ResumeURL:   "wss://resume.test",
	}))

	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
		o.Store = st
	})

	errc := connectAsync(c)
	sock := dialer.next(t)
	assert.True(t, strings.HasPrefix(sock.url, "wss://resume.test?"), "dialed %s", sock.url)
	sock.hello(t)
	p := sock.expect(t, protocol.OpResume)
	var body protocol.Resume
	require.NoError(t, json.Unmarshal(p.D, &body))
	assert.Equal(t, "stored-session", body.SessionID)
	assert.Equal(t, int64(41), body.Seq)

	sock.dispatch(t, protocol.EventResumed, 42, map[string]any{})
	require.NoError(t, waitErr(t, errc))

	require.Eventually(t, func() bool {
		cp, err := st.GetCheckpoint(ctx, 0, 1)
		return err == nil && cp.Sequence == 42
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		entries, _ := st.ListHistory(ctx, 0, 10)
		return len(entries) == 1 && entries[0].Kind == store.HistoryResumed
	}, waitFor, 10*time.Millisecond)
}

func TestCluster_IgnoresCheckpointForOtherTopology(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveCheckpoint(context.Background(), &store.Checkpoint{
		ShardID: 0, TotalShards: 2, SessionID: "old", Sequence: 9,
	}))
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
		o.Store = st
	})

	errc := connectAsync(c)
	sock := dialer.next(t)
	sock.identify(t)
	require.NoError(t, waitErr(t, errc))
}

func TestCluster_EventConsumer(t *testing.T) {
	st := store.NewMemoryStore()
	guilds := cache.NewMemory(time.Minute, 100)
	t.Cleanup(func() { guilds.Close() })
	pub := &fakePublisher{}
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
		o.Store = st
		o.Cache = guilds
		o.Publisher = pub
	})
	sock := readyCluster(t, c, dialer, 1)[0]
	ctx := context.Background()

	require.Eventually(t, func() bool {
		cp, err := st.GetCheckpoint(ctx, 0, 1)
		return err == nil && cp.SessionID == "session-0" && cp.ResumeURL == "wss://resume.test"
	}, waitFor, 10*time.Millisecond)

	sock.dispatch(t, "MESSAGE_CREATE", 2, map[string]any{"id": "7", "content": "hi"})
	require.Eventually(t, func() bool { return pub.count("MESSAGE_CREATE") == 1 }, waitFor, 10*time.Millisecond)
	msg, _ := pub.find("MESSAGE_CREATE")
	assert.Equal(t, 0, msg.ShardID)
	assert.JSONEq(t, `{"id":"7","content":"hi"}`, string(msg.Data))

	sock.dispatch(t, protocol.EventGuildCreate, 3, map[string]any{"id": "100", "name": "guild"})
	require.Eventually(t, func() bool {
		_, ok, _ := guilds.Get(ctx, "100")
		return ok
	}, waitFor, 10*time.Millisecond)

	sock.dispatch(t, protocol.EventGuildDelete, 4, map[string]any{"id": "100"})
	require.Eventually(t, func() bool {
		_, ok, _ := guilds.Get(ctx, "100")
		return !ok
	}, waitFor, 10*time.Millisecond)

	entries, err := st.ListHistory(ctx, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.HistoryReady, entries[len(entries)-1].Kind)
}

func TestCluster_InvalidatedSessionDeletesCheckpoint(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
		o.Store = st
		o.Publisher = pub
	})
	sock := readyCluster(t, c, dialer, 1)[0]
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := st.GetCheckpoint(ctx, 0, 1)
		return err == nil
	}, waitFor, 10*time.Millisecond)

	p, err := protocol.NewPayload(protocol.OpInvalidSession, false)
	require.NoError(t, err)
	sock.send(t, p)

	next := dialer.next(t)
	next.identify(t)

	require.Eventually(t, func() bool { return pub.count(broker.TypeSessionInvalid) == 1 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		cp, err := st.GetCheckpoint(ctx, 0, 1)
		return err == nil && cp.SessionID == "session-0" && cp.Sequence == 1
	}, waitFor, 10*time.Millisecond)
	entries, err := st.ListHistory(ctx, 0, 10)
	require.NoError(t, err)
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, store.HistoryInvalidated)
}

func TestCluster_Broadcast(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 2
		o.TotalShardCount = 2
	})

	p, err := protocol.NewPayload(protocol.OpPresenceUpdate, protocol.PresenceUpdate{Status: "idle"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Broadcast(context.Background(), p), ErrNotConnected)

	socks := readyCluster(t, c, dialer, 2)
	require.NoError(t, c.Broadcast(context.Background(), p))
	for id, sock := range socks {
		got := sock.expect(t, protocol.OpPresenceUpdate)
		assert.JSONEq(t, string(p.D), string(got.D), "shard %d", id)
	}
}

func TestCluster_Destroy(t *testing.T) {
	st := store.NewMemoryStore()
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 2
		o.TotalShardCount = 2
		o.Store = st
	})
	socks := readyCluster(t, c, dialer, 2)
	socks[1].dispatch(t, "TYPING_START", 9, map[string]any{})
	require.Eventually(t, func() bool {
		s, _ := c.Shard(1)
		seq := s.Sequence()
		return seq != nil && *seq == 9
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Destroy(context.Background(), shard.DestroyOptions{Reason: "shutdown"}))

	for _, sock := range socks {
		assert.Equal(t, protocol.CloseNormal, sock.waitClosed(t))
	}
	for _, s := range c.Shards() {
		assert.Equal(t, shard.StatusIdle, s.Status())
	}
	assert.False(t, c.Ready())
	_, ok := c.User()
	assert.False(t, ok, "destroy should clear the user")

	cp, err := st.GetCheckpoint(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cp.Sequence)
}

func TestCluster_Ping(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
	})
	assert.Zero(t, c.Ping())
	readyCluster(t, c, dialer, 1)
	assert.GreaterOrEqual(t, c.Ping(), time.Duration(0))
}

func TestCluster_Routing(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 2
		o.TotalShardCount = 2
	})
	ctx := context.Background()

	_, err := c.ShardFor("4194304")
	assert.ErrorIs(t, err, ErrNotConnected)

	socks := readyCluster(t, c, dialer, 2)

	// 1<<22 lands on shard 1 of 2.
	s, err := c.ShardFor("4194304")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ID())

	_, err = c.ShardFor("not-a-snowflake")
	assert.Error(t, err)

	channel := "55"
	require.NoError(t, c.UpdateVoiceState(ctx, protocol.VoiceStateUpdate{GuildID: "4194304", ChannelID: &channel}))
	p := socks[1].expect(t, protocol.OpVoiceStateUpdate)
	var voice protocol.VoiceStateUpdate
	require.NoError(t, json.Unmarshal(p.D, &voice))
	assert.Equal(t, "4194304", voice.GuildID)

	nonce, err := c.RequestGuildMembers(ctx, protocol.RequestGuildMembers{GuildID: "8388608", Limit: 10})
	require.NoError(t, err)
	p = socks[0].expect(t, protocol.OpRequestGuildMembers)
	var members protocol.RequestGuildMembers
	require.NoError(t, json.Unmarshal(p.D, &members))
	assert.Equal(t, nonce, members.Nonce)

	require.NoError(t, c.UpdatePresence(ctx, protocol.PresenceUpdate{Status: "dnd"}))
	for _, sock := range socks {
		sock.expect(t, protocol.OpPresenceUpdate)
	}
}

func TestCluster_RoutingOutsideRange(t *testing.T) {
	c, dialer := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 2
	})
	readyCluster(t, c, dialer, 1)

	_, err := c.ShardFor("4194304")
	assert.ErrorIs(t, err, ErrShardNotManaged)
}

func TestCluster_CloseRejectsConnect(t *testing.T) {
	c, _ := newTestCluster(t, func(o *Options) {
		o.GatewayURL = "wss://gateway.test"
		o.ShardCount = 1
		o.TotalShardCount = 1
	})
	c.Close()
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
