// Package server implements the framed TCP transport: a Conn backed by a
// net.Conn and the read loop that feeds a peer.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// tcpConn is the Conn handle for a framed TCP connection.
type tcpConn struct {
	conn         net.Conn
	framer       protocol.Framer
	writeTimeout time.Duration
	addr         string

	sendMu sync.Mutex
	closed atomic.Bool
}

func newTCPConn(conn net.Conn, framer protocol.Framer, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{
		conn:         conn,
		framer:       framer,
		writeTimeout: writeTimeout,
		addr:         conn.RemoteAddr().String(),
	}
}

// Send frames payload and writes it with a single Write under the send
// lock, so concurrent senders never interleave bytes.
func (c *tcpConn) Send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.framer.WriteFrame(c.conn, payload)
}

// Close closes the socket without waiting for the send lock, so a Send
// blocked on a peer that stopped reading fails at once. The read loop
// observes the close on its next read.
func (c *tcpConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.addr
}

// serveTCP runs the read loop for one accepted connection until the peer
// disconnects, the stream breaks, or the server closes the socket.
func (s *Server) serveTCP(ctx context.Context, nc net.Conn) {
	conn := newTCPConn(nc, s.framer, s.cfg.WriteTimeout)
	p := s.newPeer(conn)
	if !s.track(p) {
		_ = conn.Close()
		return
	}
	defer p.close(ctx)

	p.logger.DebugContext(ctx, "Connection accepted")
	reader := bufio.NewReader(nc)
	for {
		payload, err := s.framer.ReadFrame(reader)
		if err != nil {
			if p.handleReadError(ctx, err) {
				return
			}
			continue
		}
		p.handlePayload(ctx, payload)
	}
}

// handleReadError logs a framing or transport error and reports whether
// the read loop should stop.
func (p *peer) handleReadError(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		p.logger.DebugContext(ctx, "Dropping frame with bad checksum")
		return false

	case errors.Is(err, protocol.ErrFrameTooLarge):
		p.logger.WarnContext(ctx, "Dropping oversized frame", slog.Any("error", err))
		return false

	case errors.Is(err, io.EOF):
		p.logger.DebugContext(ctx, "Peer closed connection")
		return true

	case errors.Is(err, io.ErrUnexpectedEOF):
		p.logger.InfoContext(ctx, "Connection closed mid-frame")
		return true

	case isExpectedCloseError(err):
		p.logger.DebugContext(ctx, "Connection closed", slog.Any("error", err))
		return true

	default:
		p.logger.WarnContext(ctx, "Read error; closing connection", slog.Any("error", err))
		return true
	}
}
