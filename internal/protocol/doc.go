// Package protocol describes the push gateway wire protocol.
//
// # Overview
//
// Every frame exchanged with the gateway is a Payload envelope:
//
//	{"op": 0, "d": {...}, "s": 42, "t": "GUILD_CREATE"}
//
// The op field selects the meaning of d. Only dispatch frames (op 0) carry a
// sequence number (s) and an event type (t).
//
// # Frames
//
// Decode turns an inbound Payload into a Frame. Frame is a closed set of
// types, one per opcode the client reacts to:
//
//   - HelloFrame: heartbeat interval announced on connect
//   - HeartbeatFrame: the server asks for an immediate heartbeat
//   - HeartbeatAckFrame: the server acknowledged our last heartbeat
//   - ReconnectFrame: the server asks us to reconnect and resume
//   - InvalidSessionFrame: the session is gone (maybe resumable)
//   - DispatchFrame: an event; Event holds the typed variant for the
//     dispatch types the connection state machine cares about
//   - UnknownFrame: anything else
//
// # Close Codes
//
// CloseCode.Behavior maps a server close code to the reconnect/fatal pair the
// shard applies, plus the error handed to callers still waiting on Connect.
package protocol
