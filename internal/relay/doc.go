// Package relay pairs two peers in a named room and forwards plain
// length-prefixed frames between them, for hosts that cannot accept
// inbound connections directly.
package relay
