// Package codec converts gateway payloads to and from their wire form.
//
// Two encodings are supported, selected once at startup with Lookup:
//
//   - json: text frames, the safe default
//   - etf: binary frames in the external term format
//
// Both decode into the same protocol.Payload, with d kept as raw JSON, so the
// rest of the client never sees which encoding was negotiated.
//
// Inflater handles the zlib-stream transport compression: the server sends
// one deflate stream per connection, flushed at every message boundary. An
// Inflater belongs to exactly one connection and must be replaced on
// reconnect.
package codec
