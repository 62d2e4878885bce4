package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/queue"
	"github.com/rickgao/marketstream/internal/wire"
)

// Errors
var (
	ErrUnknownChannel = errors.New("unknown channel key")
)

// DesiredState is the caller's intent for a subscription.
type DesiredState int

const (
	Active DesiredState = iota
	Removed
)

// AckState tracks whether the venue confirmed the subscribe request.
type AckState int

const (
	AckPending AckState = iota
	AckConfirmed
)

// Message is one item delivered to a stream consumer.
type Message struct {
	Key        string    // channel key this message belongs to
	Seq        int64     // per-subscription, monotonic from 1, resets on resync
	ReceivedAt time.Time // local receive timestamp
	Payload    any       // decoded typed payload, opaque to the engine
}

// Options configure a subscription's queue at creation time.
type Options struct {
	Capacity int          // 0 = queue.DefaultCapacity
	Policy   queue.Policy // DropOldest unless the feed needs completeness
}

// Subscription is one logical stream's state. All fields are guarded by the
// owning Registry's lock; nothing outside this package mutates them.
type Subscription struct {
	spec     wire.ChannelSpec
	q        *queue.Queue[Message]
	handle   *Handle
	desired  DesiredState
	ack      AckState
	refs     int
	seq      int64
	inflight bool // a subscribe request is being sent for this key
}

// Spec returns the channel spec.
func (s *Subscription) Spec() wire.ChannelSpec {
	return s.spec
}

// Registry is the mutable shared structure between caller goroutines
// (subscribe/unsubscribe) and the engine's resubscribe sweep. It serializes
// every mutation behind one mutex.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	logger *slog.Logger

	// release is invoked (outside the lock) when the last handle reference
	// to a key closes, so the engine can send the unsubscribe frame.
	release func(spec wire.ChannelSpec)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// OnRelease registers the engine callback fired when a key's last handle
// reference closes. Must be set before the registry is shared.
func (r *Registry) OnRelease(fn func(spec wire.ChannelSpec)) {
	r.release = fn
}

// Subscribe records intent for a channel key. Idempotent: a second subscribe
// for a live key returns the existing handle and reports created = false, so
// no duplicate subscribe frame is ever sent.
func (r *Registry) Subscribe(spec wire.ChannelSpec, opts Options) (*Handle, bool) {
	key := spec.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok && sub.desired == Active {
		sub.refs++
		return sub.handle, false
	}

	sub := &Subscription{
		spec:    spec,
		q:       queue.New[Message](opts.Capacity, opts.Policy),
		desired: Active,
		ack:     AckPending,
		refs:    1,
	}
	sub.handle = newHandle(key, sub.q, r)
	r.subs[key] = sub

	r.logger.Debug("subscription recorded", "key", key, "private", spec.Private)
	return sub.handle, true
}

// Remove marks a key Removed and releases its queue. The handle ends cleanly
// (no error). Returns the removed spec and whether the key was live.
func (r *Registry) Remove(key string) (wire.ChannelSpec, bool) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		sub.desired = Removed
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if !ok {
		return wire.ChannelSpec{}, false
	}
	sub.q.Close()
	r.logger.Debug("subscription removed", "key", key)
	return sub.spec, true
}

// Fail terminates one subscription with an error (e.g. auth rejection).
// Other subscriptions are unaffected.
func (r *Registry) Fail(key string, err error) bool {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		sub.desired = Removed
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sub.handle.setErr(err)
	sub.q.Close()
	r.logger.Warn("subscription failed", "key", key, "error", err)
	return true
}

// Confirm marks a subscribe ack received.
func (r *Registry) Confirm(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		sub.ack = AckConfirmed
	}
}

// StillActive reports whether a key is still desired Active. The sweep
// consults this immediately before replaying each subscribe so a removal
// racing the reconnect is never resubscribed.
func (r *Registry) StillActive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	return ok && sub.desired == Active
}

// ActiveSpecs snapshots the specs with desired state Active, marking each
// ack Pending for the sweep. Any stale in-flight send marker is cleared:
// the sweep runs on a fresh connection, so an older send can no longer
// succeed.
func (r *Registry) ActiveSpecs() []wire.ChannelSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	specs := make([]wire.ChannelSpec, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.desired != Active {
			continue
		}
		sub.ack = AckPending
		sub.inflight = false
		specs = append(specs, sub.spec)
	}
	return specs
}

// BeginSend claims the right to send the subscribe request for key. It
// returns false when the key is gone, already confirmed, or another sender
// is in flight, so a caller-path subscribe and the sweep never duplicate
// the frame.
func (r *Registry) BeginSend(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok || sub.desired != Active || sub.ack == AckConfirmed || sub.inflight {
		return false
	}
	sub.inflight = true
	return true
}

// EndSend releases the in-flight marker claimed by BeginSend.
func (r *Registry) EndSend(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		sub.inflight = false
	}
}

// Deliver assigns the next sequence number and enqueues a message for key.
// The queue push happens outside the lock: with the BlockProducer policy it
// may suspend the router until the consumer frees space.
func (r *Registry) Deliver(ctx context.Context, key string, payload any, receivedAt time.Time) error {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok || sub.desired != Active {
		r.mu.Unlock()
		return ErrUnknownChannel
	}
	sub.seq++
	msg := Message{
		Key:        key,
		Seq:        sub.seq,
		ReceivedAt: receivedAt,
		Payload:    payload,
	}
	q := sub.q
	r.mu.Unlock()

	return q.Push(ctx, msg)
}

// ResetSeq restarts a key's sequence numbering and surfaces a resync notice
// on its handle. Called when a subscription is replayed after reconnect:
// the venue may resend state, so consumers treat this as a resync point.
// A subscription that never delivered anything gets no notice.
func (r *Registry) ResetSeq(key string) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	notify := ok && sub.seq > 0
	if ok {
		sub.seq = 0
	}
	r.mu.Unlock()

	if notify {
		sub.handle.notify(Notice{Kind: NoticeResync, At: time.Now()})
	}
}

// CloseAll terminates every subscription cleanly. Used on explicit
// disconnect: consumers observe an error-free end.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.desired = Removed
		sub.q.Close()
	}
}

// FailAll terminates every subscription with err. Used when reconnection is
// exhausted.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.desired = Removed
		sub.handle.setErr(err)
		sub.q.Close()
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// releaseRef drops one handle reference. When the count reaches zero the
// subscription is removed and the engine release callback fires.
func (r *Registry) releaseRef(key string) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		sub.refs--
		if sub.refs > 0 {
			r.mu.Unlock()
			return
		}
		sub.desired = Removed
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sub.q.Close()
	r.logger.Debug("last handle closed", "key", key)
	if r.release != nil {
		r.release(sub.spec)
	}
}
