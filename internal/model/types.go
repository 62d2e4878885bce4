package model

import "github.com/google/uuid"

// Channel type names understood by the default decoder.
const (
	ChannelTicker    = "ticker"
	ChannelTrades    = "trades"
	ChannelOrderbook = "orderbook"
	ChannelPositions = "positions" // private
)

// Ticker is a top-of-book price/volume snapshot.
type Ticker struct {
	Symbol     string `json:"symbol"`
	Bid        string `json:"bid"` // decimal string, venue precision preserved
	Ask        string `json:"ask"`
	LastPrice  string `json:"last_price"`
	Volume24h  string `json:"volume_24h"`
	ExchangeTS int64  `json:"ts"` // venue timestamp (µs since epoch)
}

// Trade is one executed trade.
type Trade struct {
	TradeID    uuid.UUID `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	Price      string    `json:"price"`
	Size       string    `json:"size"`
	TakerSide  string    `json:"taker_side"` // "buy" or "sell"
	ExchangeTS int64     `json:"ts"`
}

// BookLevel is one price level of an order book delta.
type BookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"` // "0" removes the level
}

// BookDelta is an incremental order book change.
type BookDelta struct {
	Symbol     string      `json:"symbol"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	VenueSeq   int64       `json:"seq"` // venue-assigned, resets on resync
	ExchangeTS int64       `json:"ts"`
}

// Position is a private account position update.
type Position struct {
	Symbol        string `json:"symbol"`
	Size          string `json:"size"` // signed, negative = short
	EntryPrice    string `json:"entry_price"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	ExchangeTS    int64  `json:"ts"`
}
