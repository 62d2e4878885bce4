package wire

import (
	"encoding/json"
	"errors"
	"strings"
)

// Errors
var (
	// ErrNotDecodable marks a frame the decoder does not recognize.
	// The router counts and drops such frames; they are never fatal.
	ErrNotDecodable = errors.New("frame not decodable")
)

// Op is the frame discriminator.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpAuth        Op = "auth"
	OpAck         Op = "ack"
	OpData        Op = "data"
	OpPing        Op = "ping"
	OpPong        Op = "pong"
	OpError       Op = "error"
)

// Frame is the envelope for every inbound and outbound message.
type Frame struct {
	Op      Op                `json:"op"`
	ID      int64             `json:"id,omitempty"`      // request/ack correlation
	Channel string            `json:"channel,omitempty"` // channel type (e.g. "orderbook")
	Symbol  string            `json:"symbol,omitempty"`
	Side    string            `json:"side,omitempty"`
	Auth    map[string]string `json:"auth,omitempty"` // signer-supplied credentials
	Code    string            `json:"code,omitempty"` // error frames only
	Message string            `json:"message,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Key returns the channel key for this frame's channel/symbol/side.
func (f *Frame) Key() string {
	return Key(f.Channel, f.Symbol, f.Side)
}

// ChannelSpec identifies one logical subscription.
type ChannelSpec struct {
	Channel string // channel type (e.g. "trades", "orderbook", "positions")
	Symbol  string // optional instrument (e.g. "BTC-USD")
	Side    string // optional side qualifier
	Private bool   // requires signer credentials on subscribe
}

// Key derives the unique channel key for this spec.
func (s ChannelSpec) Key() string {
	return Key(s.Channel, s.Symbol, s.Side)
}

// Key joins channel, symbol, and side into a channel key. Empty components
// are omitted so "ticker" and "ticker:BTC-USD" are both valid keys.
func Key(channel, symbol, side string) string {
	parts := make([]string, 0, 3)
	parts = append(parts, channel)
	if symbol != "" {
		parts = append(parts, symbol)
	}
	if side != "" {
		parts = append(parts, side)
	}
	return strings.Join(parts, ":")
}

// Decoder turns the payload of a data frame into a typed domain message.
// Implementations return ErrNotDecodable for frames they do not recognize.
// The engine never interprets the returned payload.
type Decoder interface {
	Decode(f *Frame) (any, error)
}

// Signer supplies credentials for the auth handshake and private-channel
// subscribe requests. The engine consults it on every attempt so signatures
// are always fresh across reconnects.
type Signer interface {
	Sign() (map[string]string, error)
}
