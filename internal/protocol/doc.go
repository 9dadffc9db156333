// Package protocol implements the PetChat wire format: length-prefixed
// frames carrying one UTF-8 JSON message each, and the tagged message
// envelope those frames carry.
//
// Two header layouts exist. The chat server speaks the checksummed layout
// (length + CRC-32); the room relay speaks the plain 4-byte length layout.
// The layouts are not wire-compatible and there is no negotiation, so a
// listener picks exactly one.
package protocol
