// ABOUTME: Payload envelope plus the command and event bodies the client builds or reads.
// ABOUTME: Bodies are plain structs; the envelope keeps d as raw JSON until decoded.

package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Payload is the envelope of every gateway frame.
type Payload struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Empty reports whether the payload came from an empty frame.
func (p Payload) Empty() bool {
	return p.Op == OpNone
}

// NewPayload builds an outbound payload, marshaling data into d.
func NewPayload(op Opcode, data any) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling %s payload: %w", op, err)
	}
	return Payload{Op: op, D: raw}, nil
}

// Intents is the gateway intents bitmask.
type Intents int

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a new session.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Shard          [2]int             `json:"shard"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Intents        Intents            `json:"intents"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
}

// Resume re-attaches to an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Activity is one entry of a presence.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// PresenceUpdate changes the client's presence.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// VoiceStateUpdate joins, moves or leaves a voice channel. A nil ChannelID
// disconnects.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers asks for member chunks of a guild.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Hello is the first frame sent by the server on a new socket.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Snowflake is a 64-bit id in decimal form. JSON frames carry ids as
// strings; ETF frames carry them as integers. Both decode to the same value.
type Snowflake string

func (s Snowflake) String() string { return string(s) }

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	switch r := gjson.ParseBytes(data); r.Type {
	case gjson.String:
		*s = Snowflake(r.Str)
	case gjson.Number:
		if _, err := strconv.ParseUint(r.Raw, 10, 64); err != nil {
			return fmt.Errorf("invalid snowflake %s", r.Raw)
		}
		*s = Snowflake(r.Raw)
	case gjson.Null:
		*s = ""
	default:
		return fmt.Errorf("invalid snowflake %s", data)
	}
	return nil
}

// User is the identity the session is authenticated as.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// UnavailableGuild is a guild listed in Ready before its data arrives.
type UnavailableGuild struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable"`
}

// ShardFor returns the shard responsible for a snowflake id.
func ShardFor(id string, totalShards int) (int, error) {
	if totalShards <= 0 {
		return 0, fmt.Errorf("total shard count must be positive, got %d", totalShards)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing id %q: %w", id, err)
	}
	return int((n >> 22) % uint64(totalShards)), nil
}
