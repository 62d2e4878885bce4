// Package queue provides the bounded per-subscription buffer between the
// message router and a stream's consumers. Capacity is fixed; overflow is
// handled by policy: evict the oldest entry (default, favors liveness) or
// block the producer (for feeds where every item carries unique meaning).
package queue
