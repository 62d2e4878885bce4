package wire

import (
	"encoding/json"
	"testing"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		symbol  string
		side    string
		want    string
	}{
		{"channel only", "ticker", "", "", "ticker"},
		{"channel and symbol", "orderbook", "BTC-USD", "", "orderbook:BTC-USD"},
		{"all components", "orderbook", "BTC-USD", "bid", "orderbook:BTC-USD:bid"},
		{"side without symbol", "positions", "", "long", "positions:long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.channel, tt.symbol, tt.side); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannelSpec_Key(t *testing.T) {
	spec := ChannelSpec{Channel: "trades", Symbol: "ETH-USD"}
	if got := spec.Key(); got != "trades:ETH-USD" {
		t.Errorf("Key() = %q, want %q", got, "trades:ETH-USD")
	}
}

func TestFrame_Key(t *testing.T) {
	f := Frame{Op: OpData, Channel: "orderbook", Symbol: "BTC-USD"}
	if got := f.Key(); got != "orderbook:BTC-USD" {
		t.Errorf("Key() = %q, want %q", got, "orderbook:BTC-USD")
	}
}

func TestFrame_JSONOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Frame{Op: OpPing})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"op":"ping"}` {
		t.Errorf("marshal = %s, want {\"op\":\"ping\"}", data)
	}
}

func TestFrame_RoundTripPayload(t *testing.T) {
	in := Frame{
		Op:      OpData,
		Channel: "trades",
		Symbol:  "BTC-USD",
		Payload: json.RawMessage(`{"price":"100.5"}`),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Frame
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Op != OpData || out.Channel != "trades" {
		t.Errorf("round trip lost envelope fields: %+v", out)
	}
	if string(out.Payload) != `{"price":"100.5"}` {
		t.Errorf("Payload = %s, want original raw payload", out.Payload)
	}
}
