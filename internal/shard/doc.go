// Package shard implements a single gateway connection: dialing, the
// hello/identify/resume handshake, heartbeating, guild synchronization and
// automatic reconnection with session resumption.
//
// Every state transition happens on the shard's run loop. Socket readers,
// the dialer and the identify gate report back to the loop over a channel
// tagged with the connection generation, so late events from a socket that
// has already been torn down are dropped.
package shard
