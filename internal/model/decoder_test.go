package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/wire"
)

func TestDecoder_Trade(t *testing.T) {
	id := uuid.New()
	payload, _ := json.Marshal(map[string]any{
		"trade_id":   id.String(),
		"symbol":     "BTC-USD",
		"price":      "64123.50",
		"size":       "0.25",
		"taker_side": "buy",
		"ts":         1773150000000000,
	})

	got, err := NewDecoder().Decode(&wire.Frame{Op: wire.OpData, Channel: ChannelTrades, Payload: payload})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	trade, ok := got.(Trade)
	if !ok {
		t.Fatalf("Decode returned %T, want Trade", got)
	}
	if trade.TradeID != id {
		t.Errorf("TradeID = %s, want %s", trade.TradeID, id)
	}
	if trade.Price != "64123.50" {
		t.Errorf("Price = %q, want %q", trade.Price, "64123.50")
	}
	if trade.TakerSide != "buy" {
		t.Errorf("TakerSide = %q, want %q", trade.TakerSide, "buy")
	}
}

func TestDecoder_BookDelta(t *testing.T) {
	payload := []byte(`{
		"symbol": "ETH-USD",
		"bids": [{"price": "3100.0", "size": "2.5"}],
		"asks": [{"price": "3100.5", "size": "0"}],
		"seq": 42,
		"ts": 1773150000000000
	}`)

	got, err := NewDecoder().Decode(&wire.Frame{Op: wire.OpData, Channel: ChannelOrderbook, Payload: payload})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	delta, ok := got.(BookDelta)
	if !ok {
		t.Fatalf("Decode returned %T, want BookDelta", got)
	}
	if delta.VenueSeq != 42 {
		t.Errorf("VenueSeq = %d, want 42", delta.VenueSeq)
	}
	if len(delta.Bids) != 1 || delta.Bids[0].Price != "3100.0" {
		t.Errorf("Bids = %+v, want one level at 3100.0", delta.Bids)
	}
	// Size "0" marks level removal and must survive decoding.
	if len(delta.Asks) != 1 || delta.Asks[0].Size != "0" {
		t.Errorf("Asks = %+v, want one removal level", delta.Asks)
	}
}

func TestDecoder_Ticker(t *testing.T) {
	payload := []byte(`{"symbol":"BTC-USD","bid":"64000","ask":"64001","last_price":"64000.5","ts":1}`)

	got, err := NewDecoder().Decode(&wire.Frame{Op: wire.OpData, Channel: ChannelTicker, Payload: payload})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	ticker, ok := got.(Ticker)
	if !ok {
		t.Fatalf("Decode returned %T, want Ticker", got)
	}
	if ticker.Bid != "64000" || ticker.Ask != "64001" {
		t.Errorf("Bid/Ask = %q/%q, want 64000/64001", ticker.Bid, ticker.Ask)
	}
}

func TestDecoder_Position(t *testing.T) {
	payload := []byte(`{"symbol":"BTC-USD","size":"-1.5","entry_price":"60000","unrealized_pnl":"-200","ts":1}`)

	got, err := NewDecoder().Decode(&wire.Frame{Op: wire.OpData, Channel: ChannelPositions, Payload: payload})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	pos, ok := got.(Position)
	if !ok {
		t.Fatalf("Decode returned %T, want Position", got)
	}
	if pos.Size != "-1.5" {
		t.Errorf("Size = %q, want -1.5", pos.Size)
	}
}

func TestDecoder_UnknownChannel(t *testing.T) {
	_, err := NewDecoder().Decode(&wire.Frame{Op: wire.OpData, Channel: "candles", Payload: []byte(`{}`)})
	if !errors.Is(err, wire.ErrNotDecodable) {
		t.Errorf("Decode error = %v, want ErrNotDecodable", err)
	}
}

func TestDecoder_MalformedPayload(t *testing.T) {
	_, err := NewDecoder().Decode(&wire.Frame{Op: wire.OpData, Channel: ChannelTrades, Payload: []byte(`{not json`)})
	if err == nil {
		t.Error("Decode succeeded on malformed payload")
	}
}
