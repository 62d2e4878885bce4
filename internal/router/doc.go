// Package router decodes inbound frames and delivers them: data frames to
// the owning subscription's queue, control frames (ack, error, pong) to the
// waiter or hook that expects them. Unroutable and undecodable frames are
// counted and dropped, never fatal.
package router
