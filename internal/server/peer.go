// Package server implements the per-connection message handling shared by
// the TCP and WebSocket transports.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
	"github.com/Tyrowin/petchat/internal/storage"
)

// peer is one accepted connection. The transport's read loop feeds it
// payloads; userID and entry are only touched from that loop.
type peer struct {
	server      *Server
	conn        Conn
	remoteAddr  string
	connectedAt time.Time
	limiter     *rateLimiter
	logger      *slog.Logger

	userID    string
	entry     ClientEntry
	closeOnce sync.Once
}

func (s *Server) newPeer(conn Conn) *peer {
	return &peer{
		server:      s,
		conn:        conn,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		limiter:     newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		logger:      s.logger.With(slog.String("addr", conn.RemoteAddr())),
	}
}

// handlePayload processes one complete JSON message.
func (p *peer) handlePayload(ctx context.Context, payload []byte) {
	if !p.limiter.allow() {
		p.logger.WarnContext(ctx, "Rate limit exceeded; discarding message",
			slog.Int("burst", p.server.cfg.RateLimit.Burst),
			slog.Duration("refill_interval", p.server.cfg.RateLimit.RefillInterval))
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			p.logger.DebugContext(ctx, "Ignoring unknown message type", slog.Any("error", err))
		} else {
			p.logger.WarnContext(ctx, "Invalid message", slog.Any("error", err))
		}
		return
	}

	if reg, ok := msg.(protocol.Register); ok {
		p.register(ctx, reg)
		return
	}

	if p.userID == "" {
		p.logger.DebugContext(ctx, "Dropping message from unregistered connection",
			slog.String("type", string(msg.MessageType())))
		return
	}

	// A connection whose user reconnected elsewhere keeps routing under its
	// own registration; replies such as online_users_list come back here.
	p.server.router.Route(ctx, p.entry, msg)
}

func (p *peer) register(ctx context.Context, reg protocol.Register) {
	s := p.server

	if p.userID != "" && p.userID != reg.UserID {
		if old, removed := s.registry.RemoveConn(p.userID, p.conn); removed {
			s.router.AnnouncePresence(old, protocol.StatusOffline)
			s.recordUser(ctx, old, false)
		}
	}

	entry := ClientEntry{
		UserID:      reg.UserID,
		Name:        reg.UserName,
		Avatar:      reg.Avatar,
		RemoteAddr:  p.remoteAddr,
		ConnectedAt: p.connectedAt,
		Conn:        p.conn,
	}
	prev, replaced := s.registry.Register(entry)
	p.userID = reg.UserID
	p.entry = entry

	attrs := []any{slog.String("user_id", reg.UserID), slog.String("user_name", reg.UserName)}
	if replaced && prev.Conn != p.conn {
		attrs = append(attrs, slog.String("replaced_addr", prev.RemoteAddr))
	}
	p.logger.InfoContext(ctx, "User registered", attrs...)

	s.recordUser(ctx, entry, true)
	s.router.SendOnlineUsers(entry)
	s.router.AnnouncePresence(entry, protocol.StatusOnline)
}

// close runs connection cleanup exactly once: drop the registration if it
// is still ours, announce offline, then release the transport.
func (p *peer) close(ctx context.Context) {
	p.closeOnce.Do(func() {
		s := p.server
		if p.userID != "" {
			if entry, removed := s.registry.RemoveConn(p.userID, p.conn); removed {
				s.router.AnnouncePresence(entry, protocol.StatusOffline)
				s.recordUser(ctx, entry, false)
				p.logger.InfoContext(ctx, "User disconnected", slog.String("user_id", entry.UserID))
			}
		}

		if err := p.conn.Close(); err != nil && !isExpectedCloseError(err) {
			p.logger.WarnContext(ctx, "Error closing connection", slog.Any("error", err))
		}
		s.untrack(p)
	})
}

func (s *Server) recordUser(ctx context.Context, entry ClientEntry, online bool) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var err error
	if online {
		err = s.recorder.UpsertUser(ctx, storage.User{
			ID:       entry.UserID,
			Name:     entry.Name,
			Avatar:   entry.Avatar,
			LastAddr: host(entry.RemoteAddr),
			Online:   true,
		})
	} else {
		err = s.recorder.SetUserOnline(ctx, entry.UserID, false)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to record user presence",
			slog.String("user_id", entry.UserID),
			slog.Bool("online", online),
			slog.Any("error", err))
	}
}
