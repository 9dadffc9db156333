package server

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// fakeConn records payloads sent to it.
type fakeConn struct {
	addr    string
	sendErr error

	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed > 0 {
		return ErrConnClosed
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// messages decodes everything sent so far.
func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Message, 0, len(c.sent))
	for _, payload := range c.sent {
		msg, err := protocol.Decode(payload)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func entryFor(id string, conn Conn) ClientEntry {
	return ClientEntry{UserID: id, Name: "name-" + id, Avatar: "avatar-" + id, RemoteAddr: conn.RemoteAddr(), Conn: conn}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
