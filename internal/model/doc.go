// Package model defines the typed domain messages carried by streams and a
// default JSON decoder for the generic frame dialect. Venues with their own
// payload shapes supply their own wire.Decoder instead.
package model
