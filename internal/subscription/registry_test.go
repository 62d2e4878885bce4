package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rickgao/marketstream/internal/wire"
)

func bookSpec(symbol string) wire.ChannelSpec {
	return wire.ChannelSpec{Channel: "orderbook", Symbol: symbol}
}

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	h1, created := r.Subscribe(bookSpec("BTC-USD"), Options{})
	if !created {
		t.Fatal("first Subscribe reported created = false")
	}

	h2, created := r.Subscribe(bookSpec("BTC-USD"), Options{})
	if created {
		t.Error("second Subscribe reported created = true")
	}
	if h1 != h2 {
		t.Error("second Subscribe returned a different handle")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_DeliverAssignsSequence(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	h, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	key := h.Key()

	for i := 0; i < 3; i++ {
		if err := r.Deliver(ctx, key, i, time.Now()); err != nil {
			t.Fatalf("Deliver(%d) error: %v", i, err)
		}
	}

	for want := int64(1); want <= 3; want++ {
		msg, err := h.Pull(ctx)
		if err != nil {
			t.Fatalf("Pull() error: %v", err)
		}
		if msg.Seq != want {
			t.Errorf("Seq = %d, want %d", msg.Seq, want)
		}
		if msg.Payload != int(want-1) {
			t.Errorf("Payload = %v, want %d", msg.Payload, want-1)
		}
	}
}

func TestRegistry_DeliverUnknownKey(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Deliver(context.Background(), "orderbook:ETH-USD", nil, time.Now())
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Deliver error = %v, want ErrUnknownChannel", err)
	}
}

func TestRegistry_RemoveEndsStreamCleanly(t *testing.T) {
	r := NewRegistry(nil)
	h, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})

	spec, ok := r.Remove(h.Key())
	if !ok {
		t.Fatal("Remove returned false for a live key")
	}
	if spec.Key() != h.Key() {
		t.Errorf("Remove returned spec %q, want %q", spec.Key(), h.Key())
	}

	_, err := h.Pull(context.Background())
	if !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Pull error = %v, want ErrStreamEnded", err)
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil after clean end", h.Err())
	}
	if r.StillActive(h.Key()) {
		t.Error("StillActive = true after Remove")
	}
}

func TestRegistry_FailTerminatesOnlyThatHandle(t *testing.T) {
	r := NewRegistry(nil)
	authErr := errors.New("auth rejected")

	private, _ := r.Subscribe(wire.ChannelSpec{Channel: "positions", Private: true}, Options{})
	public, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})

	r.Fail(private.Key(), authErr)

	if _, err := private.Pull(context.Background()); !errors.Is(err, authErr) {
		t.Errorf("private Pull error = %v, want %v", err, authErr)
	}
	if !errors.Is(private.Err(), authErr) {
		t.Errorf("private Err() = %v, want %v", private.Err(), authErr)
	}

	// The public subscription is unaffected.
	if !r.StillActive(public.Key()) {
		t.Error("public subscription no longer active after unrelated Fail")
	}
	if public.Err() != nil {
		t.Errorf("public Err() = %v, want nil", public.Err())
	}
}

func TestRegistry_ActiveSpecsExcludesRemoved(t *testing.T) {
	r := NewRegistry(nil)

	r.Subscribe(bookSpec("BTC-USD"), Options{})
	h, _ := r.Subscribe(bookSpec("ETH-USD"), Options{})
	r.Subscribe(wire.ChannelSpec{Channel: "ticker", Symbol: "SOL-USD"}, Options{})

	r.Remove(h.Key())

	specs := r.ActiveSpecs()
	if len(specs) != 2 {
		t.Fatalf("ActiveSpecs() returned %d specs, want 2", len(specs))
	}
	for _, s := range specs {
		if s.Key() == "orderbook:ETH-USD" {
			t.Error("ActiveSpecs() included a removed key")
		}
	}
}

func TestRegistry_LastHandleCloseReleases(t *testing.T) {
	r := NewRegistry(nil)
	released := make(chan string, 1)
	r.OnRelease(func(spec wire.ChannelSpec) { released <- spec.Key() })

	h1, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	h2, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	if h1 != h2 {
		t.Fatal("expected shared handle")
	}

	h1.Close()
	select {
	case key := <-released:
		t.Fatalf("release fired after first Close: %s", key)
	default:
	}
	if !r.StillActive(h1.Key()) {
		t.Fatal("subscription removed while a reference remained")
	}

	h2.Close()
	select {
	case key := <-released:
		if key != "orderbook:BTC-USD" {
			t.Errorf("released key = %q, want orderbook:BTC-USD", key)
		}
	default:
		t.Fatal("release did not fire after last Close")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ResetSeqNotifiesResync(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	h, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	key := h.Key()

	r.Deliver(ctx, key, "a", time.Now())
	r.Deliver(ctx, key, "b", time.Now())
	r.ResetSeq(key)
	r.Deliver(ctx, key, "c", time.Now())

	select {
	case n := <-h.Notices():
		if n.Kind != NoticeResync {
			t.Errorf("notice kind = %v, want NoticeResync", n.Kind)
		}
	default:
		t.Error("no resync notice after ResetSeq")
	}

	wantSeqs := []int64{1, 2, 1}
	for i, want := range wantSeqs {
		msg, err := h.Pull(ctx)
		if err != nil {
			t.Fatalf("Pull(%d) error: %v", i, err)
		}
		if msg.Seq != want {
			t.Errorf("message %d Seq = %d, want %d", i, msg.Seq, want)
		}
	}
}

func TestRegistry_CloseAllEndsEveryStreamCleanly(t *testing.T) {
	r := NewRegistry(nil)

	h1, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	h2, _ := r.Subscribe(bookSpec("ETH-USD"), Options{})

	r.CloseAll()

	for _, h := range []*Handle{h1, h2} {
		if _, err := h.Pull(context.Background()); !errors.Is(err, ErrStreamEnded) {
			t.Errorf("Pull error = %v, want ErrStreamEnded", err)
		}
		if h.Err() != nil {
			t.Errorf("Err() = %v, want nil", h.Err())
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_FailAll(t *testing.T) {
	r := NewRegistry(nil)
	fatal := errors.New("reconnect attempts exhausted")

	h, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	r.FailAll(fatal)

	if _, err := h.Pull(context.Background()); !errors.Is(err, fatal) {
		t.Errorf("Pull error = %v, want %v", err, fatal)
	}
	if !errors.Is(h.Err(), fatal) {
		t.Errorf("Err() = %v, want %v", h.Err(), fatal)
	}
}

func TestRegistry_ResubscribeAfterRemove(t *testing.T) {
	r := NewRegistry(nil)

	h1, _ := r.Subscribe(bookSpec("BTC-USD"), Options{})
	r.Remove(h1.Key())

	h2, created := r.Subscribe(bookSpec("BTC-USD"), Options{})
	if !created {
		t.Error("Subscribe after Remove reported created = false")
	}
	if h1 == h2 {
		t.Error("Subscribe after Remove returned the dead handle")
	}
}
