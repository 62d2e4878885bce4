// Package recorder persists streamed trades to the time-series database.
//
// The recorder pulls from a stream handle, accumulates rows, and flushes
// them in batches on a size or interval trigger. Inserts are append-only
// with ON CONFLICT DO NOTHING, so a replay after reconnect never produces
// duplicate rows.
package recorder
