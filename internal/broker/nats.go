// ABOUTME: Publishes shard messages to NATS subjects.
// ABOUTME: Subjects are <prefix>.shard.<id>.<type> so consumers can filter with wildcards.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	natsgo "github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
const DefaultSubjectPrefix = "shardgate"

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Logger        *slog.Logger
}

// NATSPublisher publishes each message as JSON on its own subject.
type NATSPublisher struct {
	nc     *natsgo.Conn
	prefix string
	log    *slog.Logger
}

// NewNATSPublisher connects to NATS. An empty URL uses the NATS default.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = natsgo.DefaultURL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("publisher", "nats"))

	nc, err := natsgo.Connect(url,
		natsgo.Name("shardgate"),
		natsgo.MaxReconnects(-1),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return newNATSPublisher(nc, cfg.SubjectPrefix, log), nil
}

func newNATSPublisher(nc *natsgo.Conn, prefix string, log *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log}
}

// Subject returns the subject a message is published on.
func (p *NATSPublisher) Subject(msg Message) string {
	return subject(p.prefix, msg)
}

func subject(prefix string, msg Message) string {
	t := msg.Type
	if t == "" {
		t = "UNKNOWN"
	}
	if msg.ShardID == ClusterShardID {
		return prefix + ".cluster." + t
	}
	return prefix + ".shard." + strconv.Itoa(msg.ShardID) + "." + t
}

func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.nc.Publish(p.Subject(msg), payload); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}
