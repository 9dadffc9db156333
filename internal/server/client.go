// Package server manages individual WebSocket clients, handling read/write
// pumps and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is the Conn handle for a WebSocket connection. Each text message
// carries exactly one JSON envelope; writes go through the buffered send
// channel drained by writePump.
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	addr         string
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
}

// NewClient creates a Client for an upgraded connection. The read limit is
// set to maxMessageSize.
func NewClient(conn *websocket.Conn, addr string, maxMessageSize int64, writeTimeout time.Duration, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		addr:         addr,
		writeTimeout: writeTimeout,
		logger:       logger.With(slog.String("addr", addr)),
	}
}

// Send queues payload for the write pump. It never blocks: a full buffer
// yields ErrSendBufferFull.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and releases the
// socket. The read pump then fails its next read.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Client) RemoteAddr() string {
	return c.addr
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("Error setting read deadline in pong handler", slog.Any("error", err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size; closing connection")

	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("Client disconnected", slog.Any("error", err))

	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("Client connection closed", slog.Any("error", err))

	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket error", slog.Any("error", err))

	default:
		c.logger.Warn("WebSocket read error", slog.Any("error", err))
	}
}

// readPump feeds text messages to p until the connection fails.
func (c *Client) readPump(ctx context.Context, p *peer) {
	defer func() {
		p.close(ctx)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("Error closing connection in readPump", slog.Any("error", err))
		}
	}()

	c.setupReadConnection()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text WebSocket message", slog.Int("message_type", messageType))
			continue
		}
		p.handlePayload(ctx, payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.writeCloseMessage()
		return false
	}
}

// closeConnection marks the client closed and releases the socket.
func (c *Client) closeConnection() {
	_ = c.Close()
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error closing connection in writePump", slog.Any("error", err))
	}
}

func (c *Client) setWriteDeadline() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Warn("Error setting write deadline", slog.Any("error", err))
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	if !c.setWriteDeadline() {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error writing close message", slog.Any("error", err))
	}
}

// writeTextMessage writes one envelope as one text message.
func (c *Client) writeTextMessage(message []byte) bool {
	if !c.setWriteDeadline() {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", slog.Any("error", err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if !c.setWriteDeadline() {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("Error writing ping message", slog.Any("error", err))
		return false
	}
	return true
}
