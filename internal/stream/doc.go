// Package stream is the engine core: it owns the connection lifecycle state
// machine (connect, reconnect with backoff, explicit close), drives the
// resubscribe sweep after every reconnect, and exposes the caller surface:
// Connect, Disconnect, Subscribe, Unsubscribe.
package stream
