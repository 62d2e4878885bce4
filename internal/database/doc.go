// Package database manages the time-series connection pool used by the
// recorder.
package database
