package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/marketstream/internal/queue"
	"github.com/rickgao/marketstream/internal/router"
	"github.com/rickgao/marketstream/internal/subscription"
	"github.com/rickgao/marketstream/internal/transport"
	"github.com/rickgao/marketstream/internal/wire"
)

// Errors
var (
	ErrClosed             = errors.New("client closed")
	ErrTimeout            = errors.New("operation timeout")
	ErrPongTimeout        = errors.New("pong timeout")
	ErrAuthRequired       = errors.New("private channel requires a signer")
	ErrAuthRejected       = errors.New("auth rejected")
	ErrSubscribeRejected  = errors.New("subscribe rejected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Config configures the engine.
type Config struct {
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	TransportBuffer  int // inbound frame channel capacity

	PingInterval time.Duration
	PongTimeout  time.Duration

	SubscribeTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = retry forever

	QueueCapacity int // default per-subscription queue capacity
}

// DefaultConfig returns sensible defaults for everything but the URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
		TransportBuffer:    1000,
		PingInterval:       30 * time.Second,
		PongTimeout:        10 * time.Second,
		SubscribeTimeout:   10 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		QueueCapacity:      queue.DefaultCapacity,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.TransportBuffer <= 0 {
		c.TransportBuffer = def.TransportBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = def.SubscribeTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
}

// SubscribeOption customizes one subscription's queue.
type SubscribeOption func(*subscription.Options)

// WithCapacity overrides the queue capacity for one subscription.
func WithCapacity(n int) SubscribeOption {
	return func(o *subscription.Options) { o.Capacity = n }
}

// WithPolicy selects the overflow policy. High-frequency feeds keep the
// default drop-oldest; feeds where every item carries unique economic
// meaning (fills, trades) opt into queue.BlockProducer.
func WithPolicy(p queue.Policy) SubscribeOption {
	return func(o *subscription.Options) { o.Policy = p }
}

// Stats is a snapshot of engine counters.
type Stats struct {
	State             State
	Subscriptions     int
	ReconnectAttempts int
	Router            router.Stats
}

// Client multiplexes many logical subscriptions over one duplex connection
// and recovers them across reconnects. All methods are safe for concurrent
// use.
type Client struct {
	cfg    Config
	dec    wire.Decoder
	signer wire.Signer
	logger *slog.Logger

	registry *subscription.Registry
	router   *router.Router

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	tr       transport.Transport
	hb       *heartbeatMonitor
	runCtx   context.Context
	cancel   context.CancelFunc

	wg    sync.WaitGroup
	reqID atomic.Int64
}

// NewClient creates an engine in the Disconnected state. dec is required;
// signer may be nil when no private channels are used.
func NewClient(cfg Config, dec wire.Decoder, signer wire.Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:      cfg,
		dec:      dec,
		signer:   signer,
		logger:   logger,
		registry: subscription.NewRegistry(logger),
	}
	c.router = router.New(dec, c.registry, router.Hooks{
		OnPong: c.onPong,
		OnPing: c.onPing,
	}, logger)
	c.registry.OnRelease(func(spec wire.ChannelSpec) {
		go c.sendUnsubscribe(spec)
	})
	return c
}

// Connect establishes the connection. Idempotent while Connecting or
// Connected; a handshake failure leaves the engine Reconnecting with the
// backoff loop running, so recorded subscriptions still come up once the
// venue is reachable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connecting, Connected, Reconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	if c.runCtx == nil {
		c.runCtx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		spawn := c.state == Connecting
		if spawn {
			c.state = Reconnecting
			c.lastErr = err
		}
		c.mu.Unlock()

		if spawn {
			c.wg.Add(1)
			go c.reconnectLoop()
		}
		return err
	}
	return nil
}

// Disconnect moves the engine to Closed from any state, stops the receive
// loop, heartbeat, and reconnect task, and ends every stream cleanly. Safe
// to call repeatedly; ctx bounds how long to wait for goroutines.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	tr, hb, cancel := c.tr, c.hb, c.cancel
	c.tr, c.hb = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hb != nil {
		hb.stop()
	}
	if tr != nil {
		tr.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown timeout, goroutines still draining")
	}

	c.registry.CloseAll()
	c.logger.Info("stream client closed")
	return nil
}

// Subscribe records intent for the channel and returns its stream handle.
// Idempotent: a second subscribe for a live key returns the same handle and
// sends no second frame. When the engine is Disconnected this triggers
// Connect; while Connecting or Reconnecting the subscription is picked up by
// the sweep once Connected is entered.
func (c *Client) Subscribe(ctx context.Context, spec wire.ChannelSpec, opts ...SubscribeOption) (*subscription.Handle, error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	if spec.Private && c.signer == nil {
		return nil, ErrAuthRequired
	}

	o := subscription.Options{Capacity: c.cfg.QueueCapacity}
	for _, opt := range opts {
		opt(&o)
	}

	h, created := c.registry.Subscribe(spec, o)
	if !created {
		return h, nil
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case Disconnected:
		// Intent is recorded; the connect path's sweep sends the frame.
		// A failed handshake keeps retrying in the background.
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("connect for subscribe failed, retrying in background",
				"key", spec.Key(), "error", err)
		}
	case Connected:
		if err := c.sendSubscribe(ctx, spec); err != nil {
			if !c.registry.StillActive(spec.Key()) {
				// Terminal rejection, surfaced on the handle too.
				return nil, err
			}
			// Transient failure: the subscription stays recorded and the
			// next sweep replays it.
			c.logger.Warn("subscribe send failed, will replay on reconnect",
				"key", spec.Key(), "error", err)
		}
	}
	return h, nil
}

// Unsubscribe removes the channel key. The stream ends cleanly; the
// unsubscribe frame is sent only when Connected. Safe to race with the
// resubscribe sweep: the registry is consulted at send time, so a removed
// key is never replayed.
func (c *Client) Unsubscribe(ctx context.Context, key string) error {
	spec, ok := c.registry.Remove(key)
	if !ok {
		return nil
	}

	c.mu.Lock()
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected {
		return nil
	}

	f := wire.Frame{
		Op:      wire.OpUnsubscribe,
		ID:      c.reqID.Add(1),
		Channel: spec.Channel,
		Symbol:  spec.Symbol,
		Side:    spec.Side,
	}
	if _, err := c.request(ctx, f); err != nil {
		// The registry entry is gone either way; the venue will drop the
		// subscription when it notices the silence.
		c.logger.Warn("unsubscribe request failed", "key", key, "error", err)
	}
	return nil
}

// Connected reports whether the engine is in the Connected state.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of engine counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	state, attempts := c.state, c.attempts
	c.mu.Unlock()

	return Stats{
		State:             state,
		Subscriptions:     c.registry.Len(),
		ReconnectAttempts: attempts,
		Router:            c.router.Stats(),
	}
}

// dial opens a transport, starts the receive loop and heartbeat, and kicks
// off the resubscribe sweep. On success the engine is Connected.
func (c *Client) dial(ctx context.Context) error {
	tr := transport.New(transport.Config{
		URL:              c.cfg.URL,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
		BufferSize:       c.cfg.TransportBuffer,
	}, c.logger)

	if err := tr.Connect(ctx); err != nil {
		return err
	}

	hb := newHeartbeatMonitor(c.cfg.PingInterval, c.cfg.PongTimeout, func() error {
		return c.sendFrame(tr, wire.Frame{Op: wire.OpPing})
	}, c.logger)

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		tr.Close()
		return ErrClosed
	}
	c.tr = tr
	c.hb = hb
	c.state = Connected
	c.attempts = 0
	c.lastErr = nil
	runCtx := c.runCtx
	c.mu.Unlock()

	hb.start()

	c.wg.Add(2)
	go c.receiveLoop(tr, hb)
	go func() {
		defer c.wg.Done()
		c.resubscribeAll(runCtx)
	}()

	c.logger.Info("connected", "url", c.cfg.URL)
	return nil
}

// receiveLoop feeds the router until the transport dies, the heartbeat
// expires, or the engine closes.
func (c *Client) receiveLoop(tr transport.Transport, hb *heartbeatMonitor) {
	defer c.wg.Done()

	for {
		select {
		case <-c.runCtx.Done():
			return

		case <-hb.Expired():
			c.onConnectionLost(tr, hb, ErrPongTimeout)
			return

		case err := <-tr.Errors():
			c.onConnectionLost(tr, hb, err)
			return

		case f, ok := <-tr.Frames():
			if !ok {
				err := errors.New("transport read loop ended")
				select {
				case terr := <-tr.Errors():
					err = terr
				default:
				}
				c.onConnectionLost(tr, hb, err)
				return
			}
			c.router.Route(c.runCtx, f.Data, f.ReceivedAt)
		}
	}
}

// onConnectionLost transitions Connected → Reconnecting and starts the
// backoff loop. Reconnection is invisible to callers: handles stay open,
// their queues simply stop receiving until the sweep replays them.
func (c *Client) onConnectionLost(tr transport.Transport, hb *heartbeatMonitor, err error) {
	hb.stop()
	tr.Close()

	c.mu.Lock()
	if c.state == Closed || c.tr != tr {
		c.mu.Unlock()
		return
	}
	c.state = Reconnecting
	c.lastErr = err
	c.tr, c.hb = nil, nil
	c.mu.Unlock()

	c.logger.Warn("connection lost, reconnecting", "error", err)

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff and jitter until
// it succeeds, the engine closes, or the configured attempt cap is hit.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		runCtx := c.runCtx
		c.mu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.logger.Error("reconnect attempts exhausted", "attempts", attempt-1)
			c.mu.Lock()
			if c.state == Reconnecting {
				c.state = Disconnected
				c.lastErr = ErrReconnectExhausted
			}
			c.mu.Unlock()
			c.registry.FailAll(ErrReconnectExhausted)
			return
		}

		delay := backoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
		select {
		case <-runCtx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		c.mu.Unlock()

		c.logger.Info("attempting reconnect", "attempt", attempt, "delay", delay)

		if err := c.dial(runCtx); err != nil {
			c.mu.Lock()
			retry := c.state == Connecting
			if retry {
				c.state = Reconnecting
				c.lastErr = err
			}
			c.mu.Unlock()
			if !retry {
				return
			}
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

// resubscribeAll replays every still-Active subscription on the fresh
// connection. Private channels re-authenticate first; a rejected auth fails
// only the private handles. The registry is re-consulted per key so a
// concurrent unsubscribe is never replayed.
func (c *Client) resubscribeAll(ctx context.Context) {
	specs := c.registry.ActiveSpecs()
	if len(specs) == 0 {
		return
	}

	authOK := true
	for _, spec := range specs {
		if !spec.Private {
			continue
		}
		if err := c.authenticate(ctx); err != nil {
			c.logger.Error("auth handshake failed", "error", err)
			authOK = false
		}
		break
	}

	replayed := 0
	for _, spec := range specs {
		key := spec.Key()

		if spec.Private && !authOK {
			c.registry.Fail(key, ErrAuthRejected)
			continue
		}
		if !c.registry.StillActive(key) {
			continue
		}
		if err := c.sendSubscribe(ctx, spec); err != nil {
			c.logger.Warn("resubscribe failed", "key", key, "error", err)
			continue
		}
		replayed++
	}

	c.logger.Info("resubscribe sweep complete", "active", len(specs), "replayed", replayed)
}

// sendSubscribe sends one subscribe request and waits for the ack. A venue
// rejection terminates that subscription's handle; transport failures leave
// it Pending for the next sweep.
func (c *Client) sendSubscribe(ctx context.Context, spec wire.ChannelSpec) error {
	key := spec.Key()

	if !c.registry.BeginSend(key) {
		return nil
	}
	defer c.registry.EndSend(key)

	f := wire.Frame{
		Op:      wire.OpSubscribe,
		ID:      c.reqID.Add(1),
		Channel: spec.Channel,
		Symbol:  spec.Symbol,
		Side:    spec.Side,
	}
	if spec.Private {
		if c.signer == nil {
			c.registry.Fail(key, ErrAuthRequired)
			return ErrAuthRequired
		}
		creds, err := c.signer.Sign()
		if err != nil {
			return fmt.Errorf("sign subscribe: %w", err)
		}
		f.Auth = creds
	}

	resp, err := c.request(ctx, f)
	if err != nil {
		return err
	}

	if resp.Op == wire.OpError {
		rerr := fmt.Errorf("%w: %s: %s", ErrSubscribeRejected, resp.Code, resp.Message)
		if spec.Private {
			rerr = fmt.Errorf("%w: %s: %s", ErrAuthRejected, resp.Code, resp.Message)
		}
		c.registry.Fail(key, rerr)
		return rerr
	}

	c.registry.Confirm(key)
	c.registry.ResetSeq(key)
	c.logger.Debug("subscribed", "key", key)
	return nil
}

// authenticate performs the auth handshake with signer-supplied credentials.
func (c *Client) authenticate(ctx context.Context) error {
	creds, err := c.signer.Sign()
	if err != nil {
		return fmt.Errorf("sign auth request: %w", err)
	}

	resp, err := c.request(ctx, wire.Frame{
		Op:   wire.OpAuth,
		ID:   c.reqID.Add(1),
		Auth: creds,
	})
	if err != nil {
		return err
	}
	if resp.Op == wire.OpError {
		return fmt.Errorf("%w: %s: %s", ErrAuthRejected, resp.Code, resp.Message)
	}
	return nil
}

// request sends a frame and waits for its correlated ack or error frame.
func (c *Client) request(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	respCh, cancel := c.router.Await(f.ID)
	defer cancel()

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return wire.Frame{}, transport.ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("marshal frame: %w", err)
	}
	if err := tr.Send(data); err != nil {
		return wire.Frame{}, err
	}

	select {
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-time.After(c.cfg.SubscribeTimeout):
		return wire.Frame{}, ErrTimeout
	case resp := <-respCh:
		return resp, nil
	}
}

// sendUnsubscribe runs when the last handle reference for a key closes.
func (c *Client) sendUnsubscribe(spec wire.ChannelSpec) {
	c.mu.Lock()
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SubscribeTimeout)
	defer cancel()

	f := wire.Frame{
		Op:      wire.OpUnsubscribe,
		ID:      c.reqID.Add(1),
		Channel: spec.Channel,
		Symbol:  spec.Symbol,
		Side:    spec.Side,
	}
	if _, err := c.request(ctx, f); err != nil {
		c.logger.Debug("release unsubscribe failed", "key", spec.Key(), "error", err)
	}
}

// sendFrame marshals and sends a frame on a specific transport.
func (c *Client) sendFrame(tr transport.Transport, f wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

// onPong feeds the heartbeat monitor.
func (c *Client) onPong() {
	c.mu.Lock()
	hb := c.hb
	c.mu.Unlock()
	if hb != nil {
		hb.pong()
	}
}

// onPing answers a venue-initiated ping.
func (c *Client) onPing() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return
	}
	if err := c.sendFrame(tr, wire.Frame{Op: wire.OpPong}); err != nil {
		c.logger.Debug("pong send failed", "error", err)
	}
}

// backoff returns min(maxDelay, base * 2^(attempt-1)) with jitter in
// [delay/2, delay].
func backoff(base, max time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := base << shift
	if d <= 0 || d > max {
		d = max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
