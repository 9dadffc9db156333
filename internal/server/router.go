// Package server applies the per-type routing policy: broadcast, unicast,
// or hand-off to the AI coordinator.
package server

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
	"github.com/Tyrowin/petchat/internal/storage"
)

// recordTimeout bounds a single persistence write on the routing path.
const recordTimeout = 2 * time.Second

// AnalysisSubmitter accepts AI analysis requests without blocking.
type AnalysisSubmitter interface {
	Submit(userID string, req protocol.AIAnalysisRequest) error
}

// ContextAppender keeps AI conversation context current as chat flows.
type ContextAppender interface {
	Append(conversationID, role, content string)
}

// Recorder persists users and chat history. Failures are logged only.
type Recorder interface {
	UpsertUser(ctx context.Context, user storage.User) error
	SetUserOnline(ctx context.Context, userID string, online bool) error
	AddMessage(ctx context.Context, msg storage.Message) (storage.Message, error)
}

// Router delivers messages according to their type.
type Router struct {
	registry *Registry
	analysis AnalysisSubmitter
	context  ContextAppender
	recorder Recorder
	logger   *slog.Logger

	routed     atomic.Int64
	aiRequests atomic.Int64
}

// NewRouter creates a router over registry. The AI and persistence
// collaborators are optional and attached by the server.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		logger:   logger.With(slog.String("component", "router")),
	}
}

// Route dispatches a message received from a registered user.
func (r *Router) Route(ctx context.Context, from ClientEntry, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ChatMessage:
		// Recipients see the identity the connection registered with.
		m.SenderID = from.UserID
		r.routed.Add(1)
		r.observeChat(ctx, from, m)
		if m.IsPublic() {
			r.Broadcast(m, from.UserID)
			return
		}
		if !r.Unicast(m.Target, m) {
			r.logger.DebugContext(ctx, "Private message target not online; dropping",
				slog.String("sender", from.UserID),
				slog.String("target", m.Target))
		}

	case protocol.TypingStatus:
		m.SenderID = from.UserID
		r.Broadcast(m, from.UserID)

	case protocol.AIAnalysisRequest:
		r.aiRequests.Add(1)
		r.submitAnalysis(ctx, from, m)

	case protocol.OnlineUsers:
		r.SendOnlineUsers(from)

	default:
		r.logger.DebugContext(ctx, "Ignoring server-originated message type from client",
			slog.String("sender", from.UserID),
			slog.String("type", string(msg.MessageType())))
	}
}

// Broadcast sends msg to every registered user except exceptUserID and
// returns the number of successful sends. A failing recipient is closed
// and skipped; delivery to the others continues.
func (r *Router) Broadcast(msg protocol.Message, exceptUserID string) int {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", slog.String("type", string(msg.MessageType())), slog.Any("error", err))
		return 0
	}

	recipients := r.registry.ListExcept(exceptUserID)
	r.logger.Debug("Broadcasting message",
		slog.String("type", string(msg.MessageType())),
		slog.Int("recipients", len(recipients)))

	delivered := 0
	for _, entry := range recipients {
		if r.send(entry, payload) {
			delivered++
		}
	}
	return delivered
}

// Unicast sends msg to one user. It reports false when the user is not
// registered or the send failed.
func (r *Router) Unicast(userID string, msg protocol.Message) bool {
	entry, ok := r.registry.Get(userID)
	if !ok {
		return false
	}

	payload, err := protocol.Marshal(msg)
	if err != nil {
		r.logger.Error("Failed to encode message", slog.String("type", string(msg.MessageType())), slog.Any("error", err))
		return false
	}
	return r.send(entry, payload)
}

// Deliver implements ai.Deliverer.
func (r *Router) Deliver(userID string, msg protocol.Message) bool {
	return r.Unicast(userID, msg)
}

// SendOnlineUsers sends to a snapshot of the other registered users.
func (r *Router) SendOnlineUsers(to ClientEntry) {
	entries := r.registry.ListExcept(to.UserID)
	sortEntries(entries)

	users := make([]protocol.UserInfo, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.UserInfo{
			ID:     e.UserID,
			Name:   e.Name,
			Avatar: e.Avatar,
			IP:     host(e.RemoteAddr),
		})
	}

	payload, err := protocol.Marshal(protocol.OnlineUsersList{Users: users})
	if err != nil {
		r.logger.Error("Failed to encode online users list", slog.Any("error", err))
		return
	}
	r.send(to, payload)
}

// AnnouncePresence broadcasts a presence change. Online announcements skip
// the user who joined; offline announcements go to everyone still
// registered.
func (r *Router) AnnouncePresence(entry ClientEntry, status string) int {
	msg := protocol.Presence{
		UserID:   entry.UserID,
		UserName: entry.Name,
		Avatar:   entry.Avatar,
		Status:   status,
	}
	if status == protocol.StatusOnline {
		return r.Broadcast(msg, entry.UserID)
	}
	return r.Broadcast(msg, "")
}

// Counters returns the number of chat messages routed and AI requests seen.
func (r *Router) Counters() (routed, aiRequests int64) {
	return r.routed.Load(), r.aiRequests.Load()
}

func (r *Router) send(entry ClientEntry, payload []byte) bool {
	if err := entry.Conn.Send(payload); err != nil {
		if isExpectedCloseError(err) {
			r.logger.Debug("Skipping closed connection", slog.String("user_id", entry.UserID))
		} else {
			r.logger.Warn("Send failed; closing connection",
				slog.String("user_id", entry.UserID),
				slog.String("addr", entry.RemoteAddr),
				slog.Any("error", err))
		}
		_ = entry.Conn.Close()
		return false
	}
	return true
}

func (r *Router) submitAnalysis(ctx context.Context, from ClientEntry, req protocol.AIAnalysisRequest) {
	if r.analysis == nil {
		r.logger.WarnContext(ctx, "AI request dropped: AI service not configured",
			slog.String("user_id", from.UserID),
			slog.String("conversation_id", req.ConversationID))
		return
	}
	if err := r.analysis.Submit(from.UserID, req); err != nil {
		r.logger.WarnContext(ctx, "AI request dropped",
			slog.String("user_id", from.UserID),
			slog.String("conversation_id", req.ConversationID),
			slog.Any("error", err))
	}
}

// observeChat feeds a chat line into the AI context and the history store.
func (r *Router) observeChat(ctx context.Context, from ClientEntry, m protocol.ChatMessage) {
	name := m.SenderName
	if name == "" {
		name = from.Name
	}

	if m.ConversationID != "" && r.context != nil {
		r.context.Append(m.ConversationID, "user", name+": "+m.Content)
	}

	if r.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	_, err := r.recorder.AddMessage(recordCtx, storage.Message{
		ConversationID: conversationKey(from.UserID, m),
		SenderID:       from.UserID,
		SenderName:     name,
		Content:        m.Content,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to record chat message", slog.String("user_id", from.UserID), slog.Any("error", err))
	}
}

// conversationKey names the stored conversation a chat line belongs to:
// the explicit conversation ID, "public", or a direct-message key that is
// the same from both sides.
func conversationKey(senderID string, m protocol.ChatMessage) string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	if m.IsPublic() {
		return protocol.TargetPublic
	}
	pair := []string{senderID, m.Target}
	sort.Strings(pair)
	return "dm:" + pair[0] + ":" + pair[1]
}
