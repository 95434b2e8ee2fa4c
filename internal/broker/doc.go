// Package broker carries shard events out of the cluster.
//
// The cluster hands every dispatch and lifecycle event to a Publisher. Hub
// fans messages out to in-process subscribers such as the status server;
// NATSPublisher forwards them to a NATS server for out-of-process consumers.
package broker
