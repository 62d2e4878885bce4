// Package subscription tracks the set of logical subscriptions independently
// of connection state. The Registry is the single source of truth consulted
// by the resubscribe sweep; every mutation goes through it under one lock.
// Handle is the caller-facing pull stream over one subscription's queue.
package subscription
