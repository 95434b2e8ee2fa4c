// Package cache stores the latest data of each guild seen by the cluster,
// either in process memory or in Redis shared between cluster processes.
package cache
