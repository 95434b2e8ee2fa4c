// ABOUTME: Tests for the NATS publisher.
// ABOUTME: The round-trip test needs a server at NATS_URL and is skipped otherwise.

package broker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		msg    Message
		want   string
	}{
		{"shardgate", Message{ShardID: 0, Type: "MESSAGE_CREATE"}, "shardgate.shard.0.MESSAGE_CREATE"},
		{"bots.prod", Message{ShardID: 12, Type: TypeShardReady}, "bots.prod.shard.12.SHARD_READY"},
		{"shardgate", Message{ShardID: 1}, "shardgate.shard.1.UNKNOWN"},
		{"shardgate", Message{ShardID: ClusterShardID, Type: TypeClusterReady}, "shardgate.cluster.CLUSTER_READY"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, subject(tt.prefix, tt.msg))
		})
	}
}

func TestNATSPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	pub, err := NewNATSPublisher(NATSConfig{URL: url, SubjectPrefix: "shardgate-test"})
	require.NoError(t, err)
	defer pub.Close()

	nc, err := natsgo.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *natsgo.Msg, 1)
	sub, err := nc.ChanSubscribe("shardgate-test.shard.*.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	msg := Message{ShardID: 2, Type: "GUILD_CREATE", Data: json.RawMessage(`{"id":"9"}`), At: time.Now().UTC()}
	require.NoError(t, pub.Publish(context.Background(), msg))

	select {
	case got := <-ch:
		assert.Equal(t, "shardgate-test.shard.2.GUILD_CREATE", got.Subject)
		var decoded Message
		require.NoError(t, json.Unmarshal(got.Data, &decoded))
		assert.Equal(t, msg.ShardID, decoded.ShardID)
		assert.JSONEq(t, `{"id":"9"}`, string(decoded.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}
