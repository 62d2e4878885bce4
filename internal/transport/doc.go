// Package transport owns one physical duplex websocket connection. It knows
// nothing about subscriptions: it sends raw bytes and surfaces received
// frames and socket errors on channels for the engine's receive loop.
package transport
