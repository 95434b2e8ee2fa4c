// ABOUTME: Decodes inbound payloads into a closed set of typed frames.
// ABOUTME: Dispatch frames carry a typed event for the types the state machine handles.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Frame is a decoded inbound gateway frame.
type Frame interface {
	frame()
}

// HelloFrame announces the heartbeat interval.
type HelloFrame struct {
	HeartbeatInterval time.Duration
}

// HeartbeatFrame asks the client for an immediate heartbeat.
type HeartbeatFrame struct{}

// HeartbeatAckFrame acknowledges the last heartbeat.
type HeartbeatAckFrame struct{}

// ReconnectFrame asks the client to reconnect and resume.
type ReconnectFrame struct{}

// InvalidSessionFrame reports an invalidated session.
type InvalidSessionFrame struct {
	Resumable bool
}

// DispatchFrame carries an event.
type DispatchFrame struct {
	Sequence *int64
	Type     string
	Data     json.RawMessage
	Event    DispatchEvent
}

// UnknownFrame is any opcode the client does not react to.
type UnknownFrame struct {
	Op   Opcode
	Data json.RawMessage
}

func (HelloFrame) frame()          {}
func (HeartbeatFrame) frame()      {}
func (HeartbeatAckFrame) frame()   {}
func (ReconnectFrame) frame()      {}
func (InvalidSessionFrame) frame() {}
func (DispatchFrame) frame()       {}
func (UnknownFrame) frame()        {}

// DispatchEvent is the typed body of a dispatch frame.
type DispatchEvent interface {
	dispatchEvent()
}

// Ready is the first dispatch of a new session.
type Ready struct {
	Version          int                `json:"v"`
	User             User               `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Shard            []int              `json:"shard,omitempty"`
}

// Resumed confirms a resume; missed events have been replayed.
type Resumed struct{}

// GuildCreate reports a guild becoming available.
type GuildCreate struct {
	ID          string
	Unavailable bool
}

// GuildDelete reports a guild becoming unavailable or being left.
type GuildDelete struct {
	ID          string
	Unavailable bool
}

// Opaque is any other dispatch type, forwarded without interpretation.
type Opaque struct{}

func (*Ready) dispatchEvent()      {}
func (Resumed) dispatchEvent()     {}
func (GuildCreate) dispatchEvent() {}
func (GuildDelete) dispatchEvent() {}
func (Opaque) dispatchEvent()      {}

// Decode interprets a payload. Empty payloads decode to a nil Frame.
func Decode(p Payload) (Frame, error) {
	switch p.Op {
	case OpNone:
		return nil, nil
	case OpHello:
		var hello Hello
		if err := json.Unmarshal(p.D, &hello); err != nil {
			return nil, fmt.Errorf("decoding hello: %w", err)
		}
		if hello.HeartbeatInterval <= 0 {
			return nil, fmt.Errorf("decoding hello: invalid heartbeat interval %d", hello.HeartbeatInterval)
		}
		return HelloFrame{HeartbeatInterval: time.Duration(hello.HeartbeatInterval) * time.Millisecond}, nil
	case OpHeartbeat:
		return HeartbeatFrame{}, nil
	case OpHeartbeatAck:
		return HeartbeatAckFrame{}, nil
	case OpReconnect:
		return ReconnectFrame{}, nil
	case OpInvalidSession:
		return InvalidSessionFrame{Resumable: gjson.ParseBytes(p.D).Bool()}, nil
	case OpDispatch:
		event, err := decodeDispatch(p.T, p.D)
		if err != nil {
			return nil, err
		}
		return DispatchFrame{Sequence: p.S, Type: p.T, Data: p.D, Event: event}, nil
	default:
		return UnknownFrame{Op: p.Op, Data: p.D}, nil
	}
}

func decodeDispatch(eventType string, data json.RawMessage) (DispatchEvent, error) {
	switch eventType {
	case EventReady:
		ready := &Ready{}
		if err := json.Unmarshal(data, ready); err != nil {
			return nil, fmt.Errorf("decoding ready: %w", err)
		}
		return ready, nil
	case EventResumed:
		return Resumed{}, nil
	case EventGuildCreate:
		// Guild payloads can be large; only the id and availability matter here.
		return GuildCreate{
			ID:          gjson.GetBytes(data, "id").String(),
			Unavailable: gjson.GetBytes(data, "unavailable").Bool(),
		}, nil
	case EventGuildDelete:
		return GuildDelete{
			ID:          gjson.GetBytes(data, "id").String(),
			Unavailable: gjson.GetBytes(data, "unavailable").Bool(),
		}, nil
	default:
		return Opaque{}, nil
	}
}
