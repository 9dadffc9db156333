package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/petchat/internal/protocol"
)

var plain = protocol.PlainFramer(protocol.DefaultMaxFrameSize)

func startRelay(t *testing.T) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Config{}, nil)
	go func() { _ = srv.Serve(context.Background(), ln) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c net.Conn, payload string) {
	t.Helper()
	require.NoError(t, plain.WriteFrame(c, []byte(payload)))
}

func recv(t *testing.T, c net.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := plain.ReadFrame(c)
	require.NoError(t, err)
	return string(payload)
}

func expectSilence(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := plain.ReadFrame(c)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func waitRooms(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Rooms() == n }, time.Second, 5*time.Millisecond)
}

func TestRelay_ForwardsBetweenRoles(t *testing.T) {
	srv := startRelay(t)
	host := dial(t, srv)
	guest := dial(t, srv)

	send(t, host, `{"type":"relay_register","room_id":"r1","role":"host"}`)
	send(t, guest, `{"type":"relay_register","room_id":"r1","role":"guest"}`)
	waitRooms(t, srv, 1)

	// Registration is asynchronous per connection; retry the first hop.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.rooms["r1"]) == 2
	}, time.Second, 5*time.Millisecond)

	send(t, host, `{"type":"chat_message","content":"hi"}`)
	assert.Equal(t, `{"type":"chat_message","content":"hi"}`, recv(t, guest))

	send(t, guest, `not json at all`)
	assert.Equal(t, `not json at all`, recv(t, host))
}

func TestRelay_UnboundFramesAreDropped(t *testing.T) {
	srv := startRelay(t)
	host := dial(t, srv)
	stranger := dial(t, srv)

	send(t, host, `{"type":"relay_register","room_id":"r1","role":"host"}`)
	waitRooms(t, srv, 1)

	send(t, stranger, `{"type":"chat_message"}`)
	expectSilence(t, host)
}

func TestRelay_DefaultsRoomAndRole(t *testing.T) {
	srv := startRelay(t)
	c := dial(t, srv)

	send(t, c, `{"type":"relay_register"}`)
	waitRooms(t, srv, 1)

	srv.mu.Lock()
	_, ok := srv.rooms["default"][RoleGuest]
	srv.mu.Unlock()
	assert.True(t, ok)
}

func TestRelay_EmptyRoomDroppedOnDisconnect(t *testing.T) {
	srv := startRelay(t)
	c := dial(t, srv)

	send(t, c, `{"type":"relay_register","room_id":"r1","role":"host"}`)
	waitRooms(t, srv, 1)

	require.NoError(t, c.Close())
	waitRooms(t, srv, 0)
}

func TestRelay_StaleConnectionKeepsReplacement(t *testing.T) {
	srv := startRelay(t)
	first := dial(t, srv)
	second := dial(t, srv)
	guest := dial(t, srv)

	send(t, first, `{"type":"relay_register","room_id":"r1","role":"host"}`)
	waitRooms(t, srv, 1)
	send(t, second, `{"type":"relay_register","room_id":"r1","role":"host"}`)
	send(t, guest, `{"type":"relay_register","room_id":"r1","role":"guest"}`)
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		room := srv.rooms["r1"]
		return len(room) == 2 && room[RoleHost] != nil && room[RoleHost].nc.RemoteAddr().String() == second.LocalAddr().String()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	time.Sleep(50 * time.Millisecond)

	send(t, guest, `ping`)
	assert.Equal(t, `ping`, recv(t, second))
}

func TestOppositeRole(t *testing.T) {
	assert.Equal(t, RoleGuest, oppositeRole(RoleHost))
	assert.Equal(t, RoleHost, oppositeRole(RoleGuest))
	assert.Equal(t, RoleHost, oppositeRole("observer"))
}

func TestParseRegister(t *testing.T) {
	reg, ok := parseRegister([]byte(`{"type":"relay_register","room_id":"x","role":"host"}`))
	require.True(t, ok)
	assert.Equal(t, "x", reg.RoomID)
	assert.Equal(t, RoleHost, reg.Role)

	_, ok = parseRegister([]byte(`{"type":"chat_message"}`))
	assert.False(t, ok)

	_, ok = parseRegister([]byte(`garbage`))
	assert.False(t, ok)
}

func TestShutdown_ClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	send(t, c, `{"type":"relay_register","room_id":"r","role":"host"}`)
	waitRooms(t, srv, 1)

	require.NoError(t, srv.Shutdown(2*time.Second))
	assert.ErrorIs(t, <-errc, ErrServerClosed)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = plain.ReadFrame(c)
	assert.Error(t, err)
	assert.Equal(t, 0, srv.Rooms())
}
