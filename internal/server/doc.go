// Package server implements the PetChat chat server: the TCP listener and
// its per-connection handlers, the client registry, the message router,
// and the HTTP surface that carries the WebSocket gateway and admin
// endpoints.
//
// The implementation is organized into specialized files for configuration,
// registry, routing, transports, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
