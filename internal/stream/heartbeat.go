package stream

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeatMonitor sends a ping frame every interval and declares the
// connection dead when no pong arrives within timeout of a ping. Death is
// signaled once by closing Expired(); the receive loop translates that into
// the Connected → Reconnecting transition. The monitor's verdict stands
// regardless of what the transport reports.
type heartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	send     func() error
	logger   *slog.Logger

	mu                 sync.Mutex
	lastPongReceivedAt time.Time

	expired    chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	expireOnce sync.Once
}

func newHeartbeatMonitor(interval, timeout time.Duration, send func() error, logger *slog.Logger) *heartbeatMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &heartbeatMonitor{
		interval: interval,
		timeout:  timeout,
		send:     send,
		logger:   logger,
		expired:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *heartbeatMonitor) start() {
	go h.run()
}

func (h *heartbeatMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return

		case <-h.expired:
			return

		case <-ticker.C:
			sentAt := time.Now()

			if err := h.send(); err != nil {
				// Send failures surface through the transport error path.
				h.logger.Debug("heartbeat ping send failed", "error", err)
				continue
			}

			// Each ping carries its own deadline, so staleness detection
			// holds for any timeout/interval relationship.
			time.AfterFunc(h.timeout, func() { h.check(sentAt) })
		}
	}
}

// check declares the connection dead when no pong arrived after the ping
// sent at sentAt. No-op once the monitor is stopped.
func (h *heartbeatMonitor) check(sentAt time.Time) {
	select {
	case <-h.done:
		return
	default:
	}

	h.mu.Lock()
	stale := h.lastPongReceivedAt.Before(sentAt)
	h.mu.Unlock()
	if stale {
		h.logger.Warn("no pong within timeout, declaring connection dead",
			"timeout", h.timeout,
		)
		h.expire()
	}
}

// pong records a pong receipt.
func (h *heartbeatMonitor) pong() {
	h.mu.Lock()
	h.lastPongReceivedAt = time.Now()
	h.mu.Unlock()
}

// stop halts the monitor without expiring it.
func (h *heartbeatMonitor) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Expired is closed when the pong timeout elapses.
func (h *heartbeatMonitor) Expired() <-chan struct{} {
	return h.expired
}

func (h *heartbeatMonitor) expire() {
	h.expireOnce.Do(func() { close(h.expired) })
}
