// ABOUTME: Gateway opcodes and dispatch event type names.
// ABOUTME: Shared by the codec, the shard state machine and the cluster.

package protocol

import "strconv"

// Opcode identifies the meaning of a gateway frame.
type Opcode int

const (
	// OpNone marks an empty frame. The server sends empty keepalive frames
	// under some compression settings.
	OpNone                Opcode = -1
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpNone:                "None",
	OpDispatch:            "Dispatch",
	OpHeartbeat:           "Heartbeat",
	OpIdentify:            "Identify",
	OpPresenceUpdate:      "PresenceUpdate",
	OpVoiceStateUpdate:    "VoiceStateUpdate",
	OpResume:              "Resume",
	OpReconnect:           "Reconnect",
	OpRequestGuildMembers: "RequestGuildMembers",
	OpInvalidSession:      "InvalidSession",
	OpHello:               "Hello",
	OpHeartbeatAck:        "HeartbeatAck",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "Opcode(" + strconv.Itoa(int(o)) + ")"
}

// Dispatch event types handled by the connection state machine. Every other
// type is forwarded untouched.
const (
	EventReady       = "READY"
	EventResumed     = "RESUMED"
	EventGuildCreate = "GUILD_CREATE"
	EventGuildDelete = "GUILD_DELETE"
)
