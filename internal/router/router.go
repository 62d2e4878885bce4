package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/subscription"
	"github.com/rickgao/marketstream/internal/wire"
)

// Hooks are the control-frame callbacks the engine installs.
type Hooks struct {
	// OnPong records heartbeat pong receipt.
	OnPong func()

	// OnPing answers a venue-initiated ping.
	OnPing func()
}

// Router dispatches decoded frames to subscription queues and control
// waiters.
type Router struct {
	dec    wire.Decoder
	reg    *subscription.Registry
	hooks  Hooks
	logger *slog.Logger

	// Request/ack correlation by frame ID.
	pendingMu sync.Mutex
	pending   map[int64]chan wire.Frame

	// Counters
	mu           sync.Mutex
	received     int64
	routed       int64
	decodeErrors int64
	unroutable   int64
}

// Stats contains router counters.
type Stats struct {
	Received     int64
	Routed       int64
	DecodeErrors int64
	Unroutable   int64
}

// New creates a router delivering into reg via dec.
func New(dec wire.Decoder, reg *subscription.Registry, hooks Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		dec:     dec,
		reg:     reg,
		hooks:   hooks,
		logger:  logger,
		pending: make(map[int64]chan wire.Frame),
	}
}

// Await registers a waiter for the ack (or error) frame carrying id. The
// returned cancel must be called once the caller stops waiting.
func (r *Router) Await(id int64) (<-chan wire.Frame, func()) {
	ch := make(chan wire.Frame, 1)

	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	cancel := func() {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
	}
	return ch, cancel
}

// Route handles one inbound frame.
func (r *Router) Route(ctx context.Context, data []byte, receivedAt time.Time) {
	r.count(&r.received)

	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.count(&r.decodeErrors)
		r.logger.Warn("malformed frame dropped", "error", err)
		return
	}

	switch f.Op {
	case wire.OpAck, wire.OpError:
		if f.ID != 0 && r.resolve(f) {
			r.count(&r.routed)
			return
		}
		if f.Op == wire.OpError {
			// Unsolicited venue error: log and move on, service stays up.
			r.logger.Warn("venue error frame", "code", f.Code, "message", f.Message)
		}
		r.count(&r.unroutable)

	case wire.OpPong:
		if r.hooks.OnPong != nil {
			r.hooks.OnPong()
		}
		r.count(&r.routed)

	case wire.OpPing:
		if r.hooks.OnPing != nil {
			r.hooks.OnPing()
		}
		r.count(&r.routed)

	case wire.OpData:
		r.routeData(ctx, &f, receivedAt)

	default:
		r.count(&r.unroutable)
		r.logger.Debug("unknown frame op dropped", "op", string(f.Op))
	}
}

// routeData decodes a data frame and pushes it into its subscription queue.
func (r *Router) routeData(ctx context.Context, f *wire.Frame, receivedAt time.Time) {
	payload, err := r.dec.Decode(f)
	if err != nil {
		r.count(&r.decodeErrors)
		r.logger.Warn("undecodable data frame dropped",
			"channel", f.Channel,
			"symbol", f.Symbol,
			"error", err,
		)
		return
	}

	if err := r.reg.Deliver(ctx, f.Key(), payload, receivedAt); err != nil {
		r.count(&r.unroutable)
		r.logger.Debug("frame for unknown channel dropped", "key", f.Key())
		return
	}
	r.count(&r.routed)
}

// resolve hands a control frame to its waiter. Reports whether one existed.
func (r *Router) resolve(f wire.Frame) bool {
	r.pendingMu.Lock()
	ch, ok := r.pending[f.ID]
	if ok {
		delete(r.pending, f.ID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
	}
	return true
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Received:     r.received,
		Routed:       r.routed,
		DecodeErrors: r.decodeErrors,
		Unroutable:   r.unroutable,
	}
}

func (r *Router) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}
