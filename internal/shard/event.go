// ABOUTME: Tagged events a shard reports to its cluster.
// ABOUTME: Dispatch events carry an optional guild cache operation.

package shard

import (
	"encoding/json"

	"github.com/2389/shardgate/internal/protocol"
)

// EventKind tags an Event.
type EventKind int

const (
	EventDebug EventKind = iota
	EventError
	EventDispatch
	// EventReady is reported each time the shard reaches ready.
	EventReady
	// EventSession carries a new resumable checkpoint.
	EventSession
	// EventSessionInvalidated reports that the session was discarded.
	EventSessionInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventDebug:
		return "debug"
	case EventError:
		return "error"
	case EventDispatch:
		return "dispatch"
	case EventReady:
		return "ready"
	case EventSession:
		return "session"
	case EventSessionInvalidated:
		return "session_invalidated"
	default:
		return "unknown"
	}
}

// CacheOp is the guild cache mutation implied by a dispatch.
type CacheOp int

const (
	CacheNone CacheOp = iota
	CacheSet
	CacheDelete
)

// Event is one report from a shard.
type Event struct {
	Kind    EventKind
	ShardID int

	// Dispatch fields.
	Type     string
	Data     json.RawMessage
	Dispatch protocol.DispatchEvent
	Cache    CacheOp
	GuildID  string

	Message string
	Err     error
	Session Session
}
