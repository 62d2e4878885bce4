package model

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/marketstream/internal/wire"
)

// Decoder is the default wire.Decoder for the generic frame dialect: the
// frame's channel field selects the payload type.
type Decoder struct{}

// NewDecoder returns the default decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode unmarshals a data frame's payload into its typed message.
func (d *Decoder) Decode(f *wire.Frame) (any, error) {
	switch f.Channel {
	case ChannelTicker:
		var t Ticker
		if err := json.Unmarshal(f.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		return t, nil

	case ChannelTrades:
		var t Trade
		if err := json.Unmarshal(f.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		return t, nil

	case ChannelOrderbook:
		var b BookDelta
		if err := json.Unmarshal(f.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode book delta: %w", err)
		}
		return b, nil

	case ChannelPositions:
		var p Position
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		return p, nil
	}

	return nil, wire.ErrNotDecodable
}
