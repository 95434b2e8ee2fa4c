// ABOUTME: Shard configuration, lifecycle statuses and typed errors.
// ABOUTME: Zero values are replaced with gateway defaults by New.

package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/shardgate/internal/codec"
	"github.com/2389/shardgate/internal/metrics"
	"github.com/2389/shardgate/internal/protocol"
)

// Default timeouts for each connect phase.
const (
	DefaultOpenTimeout   = 15 * time.Second
	DefaultHelloTimeout  = 15 * time.Second
	DefaultReadyTimeout  = 60 * time.Second
	DefaultResumeTimeout = 60 * time.Second
	DefaultGuildTimeout  = 10 * time.Second
	DefaultCloseTimeout  = 5 * time.Second

	DefaultVersion        = 10
	DefaultLargeThreshold = 50
)

// Retry backoff after a failed dial while reconnecting.
const (
	retryBase = time.Second
	retryMax  = 30 * time.Second
)

var (
	// ErrInvalidState is returned by Connect while the shard is already
	// connecting or disconnecting.
	ErrInvalidState = errors.New("invalid shard state")

	// ErrNotConnected is returned by Send when there is no socket.
	ErrNotConnected = errors.New("shard not connected")

	// ErrDestroyed rejects pending Connect calls when the shard is destroyed
	// without reconnecting.
	ErrDestroyed = errors.New("shard destroyed")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("shard closed")
)

// Connect phases that carry a timeout.
const (
	PhaseOpen   = "open"
	PhaseHello  = "hello"
	PhaseReady  = "ready"
	PhaseResume = "resume"
	PhaseGuilds = "guilds"
)

// TimeoutError reports a connect phase that did not complete in time.
type TimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shard %s timed out after %s", e.Phase, e.Timeout)
}

// Status is the lifecycle state of a shard.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusDisconnecting
	StatusReconnecting
	StatusOpen
	StatusWaiting
	StatusReady
)

var statusNames = [...]string{
	StatusIdle:          "idle",
	StatusConnecting:    "connecting",
	StatusDisconnecting: "disconnecting",
	StatusReconnecting:  "reconnecting",
	StatusOpen:          "open",
	StatusWaiting:       "waiting",
	StatusReady:         "ready",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Timeouts bounds each wait on the connect path.
type Timeouts struct {
	Open   time.Duration
	Hello  time.Duration
	Ready  time.Duration
	Resume time.Duration
	Guild  time.Duration
	// Close bounds the wait for the server to confirm a socket close.
	Close time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Open <= 0 {
		t.Open = DefaultOpenTimeout
	}
	if t.Hello <= 0 {
		t.Hello = DefaultHelloTimeout
	}
	if t.Ready <= 0 {
		t.Ready = DefaultReadyTimeout
	}
	if t.Resume <= 0 {
		t.Resume = DefaultResumeTimeout
	}
	if t.Guild <= 0 {
		t.Guild = DefaultGuildTimeout
	}
	if t.Close <= 0 {
		t.Close = DefaultCloseTimeout
	}
}

// Session is the state needed to resume a connection.
type Session struct {
	ID        string
	Sequence  int64
	ResumeURL string
}

// Coordinator is the cluster-side collaborator of a shard.
type Coordinator interface {
	// WaitIdentify blocks until this shard may send Identify.
	WaitIdentify(ctx context.Context, shardID int) error
	// SetUser records the bot user reported by Ready.
	SetUser(user protocol.User)
}

// Options configures a Shard.
type Options struct {
	ID          int
	TotalShards int
	Token       string
	// URL is the gateway base URL from the gateway-info endpoint.
	URL            string
	Version        int
	Encoding       codec.Encoding
	Compression    codec.Compression
	Intents        protocol.Intents
	LargeThreshold int
	Properties     protocol.IdentifyProperties
	Presence       *protocol.PresenceUpdate

	// Session seeds a resumable session, typically from a checkpoint.
	Session *Session

	Timeouts Timeouts
	// ReconnectOnTimeout reconnects after a connect-phase timeout instead of
	// going idle.
	ReconnectOnTimeout bool

	QueueLimit  int
	QueueWindow time.Duration

	Dialer      Dialer
	Coordinator Coordinator
	// Events receives everything the shard reports. Sends block, so the
	// receiver must keep draining it.
	Events  chan<- Event
	Metrics metrics.Metrics
	Logger  *slog.Logger
}

type soloCoordinator struct{}

func (soloCoordinator) WaitIdentify(context.Context, int) error { return nil }
func (soloCoordinator) SetUser(protocol.User)                   {}
