package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// stuckConn returns a tcpConn whose remote end never reads, so every Send
// blocks until the write deadline or Close.
func stuckConn(t *testing.T, writeTimeout time.Duration) *tcpConn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return newTCPConn(local, protocol.ChecksumFramer(protocol.DefaultMaxFrameSize), writeTimeout)
}

func TestTCPConn_CloseDoesNotWaitForBlockedSend(t *testing.T) {
	c := stuckConn(t, 5*time.Second)

	sendErr := make(chan error, 1)
	go func() { sendErr <- c.Send([]byte(`{"type":"online_users"}`)) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case err := <-sendErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Send did not return after Close")
	}

	assert.ErrorIs(t, c.Send([]byte("{}")), ErrConnClosed)
	assert.NoError(t, c.Close())
}

func TestRouter_BroadcastUnblocksWhenStuckRecipientIsDisconnected(t *testing.T) {
	f := newRouterFixture("a", "c")
	stuck := stuckConn(t, 5*time.Second)
	f.registry.Register(entryFor("b", stuck))

	done := make(chan int, 1)
	go func() {
		done <- f.router.Broadcast(protocol.TypingStatus{SenderID: "a", SenderName: "A", IsTyping: true}, "a")
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, stuck.Close())

	select {
	case <-done:
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast still blocked after the stuck recipient was closed")
	}
	assert.Len(t, f.conns["c"].messages(t), 1)
}
