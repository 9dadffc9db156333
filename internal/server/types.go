// Package server defines the connection handle and registry entry types
// shared by both transports, plus small helpers reused across them.
package server

import (
	"errors"
	"net"
	"strings"
	"time"
)

var (
	// ErrSendBufferFull is returned when a WebSocket client's outbound
	// queue is full.
	ErrSendBufferFull = errors.New("server: send buffer full")
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("server: connection closed")
)

// Conn is the handle the registry and router hold for a live connection.
// Send takes one encoded JSON message; the transport adds its own framing.
// Implementations must be safe for concurrent Send calls.
type Conn interface {
	Send(payload []byte) error
	Close() error
	RemoteAddr() string
}

// ClientEntry is a registered user and the connection it registered on.
type ClientEntry struct {
	UserID      string
	Name        string
	Avatar      string
	RemoteAddr  string
	ConnectedAt time.Time
	Conn        Conn
}

// host strips the port from a remote address.
func host(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
