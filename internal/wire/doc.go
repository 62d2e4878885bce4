// Package wire defines the textual frame envelope exchanged with a venue,
// channel key derivation, and the narrow capabilities (Decoder, Signer) the
// streaming engine consumes from venue-specific collaborators.
package wire
