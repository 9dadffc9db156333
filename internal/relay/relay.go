package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// Roles a connection can take in a room.
const (
	RoleHost  = "host"
	RoleGuest = "guest"

	// TypeRegister is the only message the relay interprets.
	TypeRegister = "relay_register"

	defaultRoom = "default"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("relay: closed")

// Config configures a relay Server.
type Config struct {
	Addr         string
	MaxFrameSize int64
	WriteTimeout time.Duration
}

// registerMessage binds a connection to a room and role.
type registerMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
}

// oppositeRole maps host to guest and every other role to host.
func oppositeRole(role string) string {
	if role == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// binding is a connection's place in the room table.
type binding struct {
	room string
	role string
}

// conn serialises writes to one relay connection.
type conn struct {
	nc           net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *conn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.nc.Write(frame)
	return err
}

// Server is the room relay.
type Server struct {
	cfg    Config
	framer protocol.Framer
	logger *slog.Logger

	mu           sync.Mutex
	rooms        map[string]map[string]*conn
	conns        map[*conn]struct{}
	listener     net.Listener
	shuttingDown bool
	wg           sync.WaitGroup
}

// New creates a relay server. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		framer: protocol.PlainFramer(cfg.MaxFrameSize),
		logger: logger.With(slog.String("component", "relay")),
		rooms:  make(map[string]map[string]*conn),
		conns:  make(map[*conn]struct{}),
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx ends or Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Relay server listening", slog.String("addr", ln.Addr().String()))
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.mu.Lock()
			closing := s.shuttingDown
			s.mu.Unlock()
			if closing {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := &conn{nc: nc, writeTimeout: s.cfg.WriteTimeout}
		if !s.track(c) {
			_ = nc.Close()
			continue
		}
		go s.handle(ctx, c)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Rooms returns the number of rooms with at least one bound connection.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) handle(ctx context.Context, c *conn) {
	addr := c.nc.RemoteAddr().String()
	logger := s.logger.With(slog.String("addr", addr))

	var bound *binding
	defer func() {
		if bound != nil {
			s.unbind(*bound, c)
		}
		_ = c.nc.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
		logger.DebugContext(ctx, "Relay connection closed")
	}()

	reader := bufio.NewReader(c.nc)
	for {
		payload, err := s.framer.ReadFrame(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				logger.WarnContext(ctx, "Dropping oversized frame", slog.Any("error", err))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.DebugContext(ctx, "Relay read ended", slog.Any("error", err))
			}
			return
		}

		if reg, ok := parseRegister(payload); ok {
			if bound != nil {
				s.unbind(*bound, c)
			}
			b := s.bind(reg, c)
			bound = &b
			logger.InfoContext(ctx, "Relay client registered", slog.String("room_id", b.room), slog.String("role", b.role))
			continue
		}

		if bound == nil {
			continue
		}
		s.forward(ctx, *bound, payload, logger)
	}
}

// parseRegister recognises relay_register frames. Anything else, including
// frames that are not JSON, is forwarded untouched.
func parseRegister(payload []byte) (registerMessage, bool) {
	var msg registerMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != TypeRegister {
		return registerMessage{}, false
	}
	if msg.RoomID == "" {
		msg.RoomID = defaultRoom
	}
	if msg.Role == "" {
		msg.Role = RoleGuest
	}
	return msg, true
}

func (s *Server) bind(reg registerMessage, c *conn) binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[reg.RoomID]
	if !ok {
		room = make(map[string]*conn)
		s.rooms[reg.RoomID] = room
	}
	room[reg.Role] = c
	return binding{room: reg.RoomID, role: reg.Role}
}

// unbind clears the binding only if it still refers to c, and drops the
// room once empty.
func (s *Server) unbind(b binding, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[b.room]
	if !ok || room[b.role] != c {
		return
	}
	delete(room, b.role)
	if len(room) == 0 {
		delete(s.rooms, b.room)
	}
}

func (s *Server) forward(ctx context.Context, b binding, payload []byte, logger *slog.Logger) {
	s.mu.Lock()
	target := s.rooms[b.room][oppositeRole(b.role)]
	s.mu.Unlock()
	if target == nil {
		return
	}

	frame, err := s.framer.Encode(payload)
	if err != nil {
		logger.WarnContext(ctx, "Cannot re-frame payload", slog.Any("error", err))
		return
	}
	if err := target.write(frame); err != nil {
		logger.DebugContext(ctx, "Relay forward failed", slog.String("room_id", b.room), slog.Any("error", err))
	}
}

// Shutdown closes the listener and every connection, then waits up to
// timeout for the handlers to exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.nc.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Relay shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Relay shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
