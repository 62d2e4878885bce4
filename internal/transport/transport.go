package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// InboundFrame wraps raw frame bytes with the local receive timestamp.
type InboundFrame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Config configures one physical connection.
type Config struct {
	URL              string
	Header           http.Header   // optional extra handshake headers
	HandshakeTimeout time.Duration // dial deadline
	WriteTimeout     time.Duration // per-write deadline
	BufferSize       int           // inbound frame channel capacity
}

// DefaultConfig returns sensible defaults for everything but the URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Transport is one duplex connection: send bytes, receive frames.
type Transport interface {
	// Connect establishes the websocket connection and starts the read loop.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// Send writes one text frame. Serialized internally.
	Send(data []byte) error

	// Frames returns the channel of received frames. Closed when the read
	// loop exits.
	Frames() <-chan InboundFrame

	// Errors returns the channel of socket-level failures.
	Errors() <-chan error

	// IsConnected reports the current socket state.
	IsConnected() bool
}

// conn implements Transport over a gorilla websocket.
type conn struct {
	cfg    Config
	logger *slog.Logger

	ws *websocket.Conn

	frames chan InboundFrame
	errs   chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// New creates an unconnected transport.
func New(cfg Config, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &conn{
		cfg:    cfg,
		logger: logger,
		frames: make(chan InboundFrame, cfg.BufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the venue and starts the read loop.
func (c *conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return err
	}

	// Answer protocol-level pings so intermediaries keep the socket alive.
	// Application-level liveness is the heartbeat monitor's job.
	ws.SetPingHandler(func(data string) error {
		return ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// Close tears the connection down.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	close(c.done)

	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return ws.Close()
	}
	return nil
}

// Send writes one text frame.
func (c *conn) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the inbound frame channel.
func (c *conn) Frames() <-chan InboundFrame {
	return c.frames
}

// Errors returns the socket error channel.
func (c *conn) Errors() <-chan error {
	return c.errs
}

// IsConnected reports the socket state.
func (c *conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop reads frames until the socket fails or the transport closes.
func (c *conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.frames)
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close are the expected teardown, not failures.
			select {
			case <-c.done:
				return
			default:
			}
			select {
			case c.errs <- err:
			default:
			}
			return
		}

		// Block when the buffer is full: the consumer's pace propagates
		// back to the socket as TCP backpressure. Overflow handling
		// belongs to the per-subscription queues, which keep it
		// observable.
		select {
		case c.frames <- InboundFrame{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		}
	}
}
