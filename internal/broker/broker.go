// ABOUTME: Publisher boundary for shard events leaving the cluster.
// ABOUTME: Message is the envelope every publisher receives.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Lifecycle message types published alongside gateway dispatches.
const (
	TypeShardReady     = "SHARD_READY"
	TypeShardError     = "SHARD_ERROR"
	TypeSessionInvalid = "SHARD_SESSION_INVALIDATED"
	TypeClusterReady   = "CLUSTER_READY"
)

// ClusterShardID marks messages about the cluster as a whole.
const ClusterShardID = -1

// Message is one event forwarded from a shard.
type Message struct {
	ShardID int             `json:"shard_id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

// Publisher delivers messages to consumers outside the cluster.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Multi fans a message out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
