// ABOUTME: In-memory fan-out of shard messages to in-process subscribers
// ABOUTME: Subscribers register for one event type or for every type

package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllTypes subscribes to every message type.
	AllTypes = "*"
)

// Hub provides in-memory pub/sub for shard messages. It satisfies Publisher
// so the cluster can treat it like any other sink.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Message // type -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Message),
		logger:      logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber for messages of the given type, or
// AllTypes. The subscription is cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, msgType string) (<-chan Message, string) {
	subID := uuid.New().String()
	ch := make(chan Message, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := h.subscribers[msgType]; !ok {
		h.subscribers[msgType] = make(map[string]chan Message)
	}
	h.subscribers[msgType][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "type", msgType, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(msgType, subID)
	}()

	return ch, subID
}

// Publish delivers msg to subscribers of its type and of AllTypes.
// Non-blocking: messages are dropped for subscribers whose channels are full.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.mu.RLock()
	targets := make([]chan Message, 0, len(h.subscribers[msg.Type])+len(h.subscribers[AllTypes]))
	for _, ch := range h.subscribers[msg.Type] {
		targets = append(targets, ch)
	}
	if msg.Type != AllTypes {
		for _, ch := range h.subscribers[AllTypes] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			h.logger.Debug("dropped message for slow subscriber",
				"type", msg.Type,
				"shard_id", msg.ShardID)
		}
	}
	h.mu.RUnlock()
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(msgType, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[msgType]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, msgType)
	}

	h.logger.Debug("subscriber removed", "type", msgType, "sub_id", subID)
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for msgType, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, msgType)
	}
	h.closed = true

	h.logger.Debug("hub closed")
	return nil
}
