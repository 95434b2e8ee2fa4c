// ABOUTME: Gateway close codes and the reconnect/fatal behavior each one triggers.
// ABOUTME: Also defines the typed errors returned to callers of Connect.

package protocol

import (
	"errors"
	"fmt"
)

// CloseCode is a websocket close status as used by the gateway.
type CloseCode int

const (
	CloseNormal               CloseCode = 1000
	CloseGoingAway            CloseCode = 1001
	CloseUnknownError         CloseCode = 4000
	CloseUnknownOpcode        CloseCode = 4001
	CloseDecodeError          CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseInvalidSequence      CloseCode = 4007
	CloseRateLimited          CloseCode = 4008
	CloseSessionTimedOut      CloseCode = 4009
	CloseInvalidShard         CloseCode = 4010
	CloseShardingRequired     CloseCode = 4011
	CloseInvalidVersion       CloseCode = 4012
	CloseInvalidIntents       CloseCode = 4013
	CloseDisallowedIntents    CloseCode = 4014

	// CloseRestart is sent by the client whenever it closes a socket in order
	// to reconnect. It must differ from CloseNormal: the server discards the
	// session on a normal close, which would make a resume impossible.
	CloseRestart CloseCode = 4901
)

var (
	// ErrTokenInvalid is returned when the gateway rejects the token.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrInvalidShard is returned when the shard id or count is rejected.
	ErrInvalidShard = errors.New("invalid shard")

	// ErrShardingRequired is returned when the session needs more shards.
	ErrShardingRequired = errors.New("sharding required")

	// ErrInvalidVersion is returned when the gateway version is not supported.
	ErrInvalidVersion = errors.New("invalid gateway version")
)

// IntentsError reports intents rejected by the gateway.
type IntentsError struct {
	Code    CloseCode
	Intents Intents
}

func (e *IntentsError) Error() string {
	if e.Code == CloseDisallowedIntents {
		return fmt.Sprintf("disallowed intents: %d", e.Intents)
	}
	return fmt.Sprintf("invalid intents: %d", e.Intents)
}

// CloseError reports a socket closed by the server with no more specific error.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed the connection with code %d", e.Code)
	}
	return fmt.Sprintf("gateway closed the connection with code %d: %s", e.Code, e.Reason)
}

// CloseBehavior is what the shard does after the server closed the socket.
type CloseBehavior struct {
	Reconnect bool
	Fatal     bool
	// Err, when set, rejects callers waiting on Connect.
	Err error
}

// Behavior maps a server close code to the action the shard takes. intents
// is the bitmask sent in Identify, reported back on intent errors.
func (c CloseCode) Behavior(intents Intents, reason string) CloseBehavior {
	switch c {
	case CloseNormal:
		return CloseBehavior{Err: &CloseError{Code: c, Reason: reason}}
	case CloseUnknownError, CloseUnknownOpcode, CloseDecodeError, CloseSessionTimedOut:
		return CloseBehavior{Reconnect: true}
	case CloseNotAuthenticated, CloseInvalidSequence:
		return CloseBehavior{Reconnect: true, Fatal: true}
	case CloseAuthenticationFailed:
		return CloseBehavior{Fatal: true, Err: ErrTokenInvalid}
	case CloseAlreadyAuthenticated, CloseRateLimited:
		return CloseBehavior{Fatal: true, Err: &CloseError{Code: c, Reason: reason}}
	case CloseInvalidShard:
		return CloseBehavior{Fatal: true, Err: ErrInvalidShard}
	case CloseShardingRequired:
		return CloseBehavior{Reconnect: true, Err: ErrShardingRequired}
	case CloseInvalidVersion:
		return CloseBehavior{Fatal: true, Err: ErrInvalidVersion}
	case CloseInvalidIntents, CloseDisallowedIntents:
		return CloseBehavior{Fatal: true, Err: &IntentsError{Code: c, Intents: intents}}
	default:
		return CloseBehavior{Reconnect: true}
	}
}
