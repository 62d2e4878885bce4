package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/queue"
)

// ErrStreamEnded is returned by Pull after a stream terminates cleanly
// (explicit disconnect or unsubscribe). Err() stays nil in that case; a
// non-nil Err() carries the terminal cause (auth rejection, exhausted
// reconnection).
var ErrStreamEnded = errors.New("stream ended")

// NoticeKind discriminates handle notices.
type NoticeKind int

const (
	// NoticeResync signals the subscription was replayed after a reconnect.
	// Sequence numbers restart at 1 and the venue may resend state; the gap
	// is a resync point, not a continuity guarantee.
	NoticeResync NoticeKind = iota
)

// Notice is an out-of-band event surfaced on a handle's control channel.
type Notice struct {
	Kind NoticeKind
	At   time.Time
}

// Handle is the caller-facing lazy pull stream over one subscription.
// Idempotent subscribes share one Handle; each caller closes its reference
// and the underlying subscription is released when the last one does.
type Handle struct {
	key     string
	q       *queue.Queue[Message]
	reg     *Registry
	notices chan Notice

	mu  sync.Mutex
	err error
}

func newHandle(key string, q *queue.Queue[Message], reg *Registry) *Handle {
	return &Handle{
		key:     key,
		q:       q,
		reg:     reg,
		notices: make(chan Notice, 4),
	}
}

// Key returns the channel key this handle streams.
func (h *Handle) Key() string {
	return h.key
}

// Pull returns the next message, blocking until one arrives, the stream
// terminates, or ctx is done. After termination it returns the terminal
// error, or ErrStreamEnded for a clean end. Safe for concurrent callers.
func (h *Handle) Pull(ctx context.Context) (Message, error) {
	msg, err := h.q.Pull(ctx)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, queue.ErrClosed) {
		if terr := h.Err(); terr != nil {
			return Message{}, terr
		}
		return Message{}, ErrStreamEnded
	}
	return Message{}, err
}

// Notices returns the control channel carrying resync notifications.
// Delivery is best-effort: a slow consumer misses notices, never messages.
func (h *Handle) Notices() <-chan Notice {
	return h.notices
}

// Overflow returns how many messages were evicted because the consumer fell
// behind. Staleness is observable, not silent.
func (h *Handle) Overflow() uint64 {
	return h.q.Overflow()
}

// Err returns the terminal error, or nil while live or after a clean end.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close drops this caller's reference. The subscription is unsubscribed when
// no other reference remains.
func (h *Handle) Close() {
	h.reg.releaseRef(h.key)
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

func (h *Handle) notify(n Notice) {
	select {
	case h.notices <- n:
	default:
	}
}
