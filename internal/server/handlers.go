// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the admin endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tyrowin/petchat/internal/storage"
)

// maxAdminBody bounds JSON request bodies on the admin endpoints.
const maxAdminBody = 64 << 10

// userView is one row of GET /users.
type userView struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// knownUserView is one row of GET /known-users.
type knownUserView struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar"`
	LastAddr string    `json:"last_addr"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// memoryView is one stored memory as served by the admin endpoints.
type memoryView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Content        string    `json:"content"`
	Category       string    `json:"category"`
	CreatedAt      time.Time `json:"created_at"`
}

func newMemoryView(m storage.Memory) memoryView {
	return memoryView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Category:       m.Category,
		CreatedAt:      m.CreatedAt,
	}
}

// WebSocketHandler upgrades GET requests on /ws and attaches the client to
// the shared registry and router.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("addr", r.RemoteAddr), slog.Any("error", err))
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg.MaxMessageSize, s.cfg.WriteTimeout, s.logger)
	p := s.newPeer(client)
	if !s.track(p) {
		_ = client.Close()
		_ = conn.Close()
		return
	}

	// The request context ends when the handler returns; the pumps outlive it.
	ctx := s.runContext()
	go client.writePump()
	go client.readPump(ctx, p)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "PetChat server is running!")
}

// StatsHandler reports routing, registry and AI counters as JSON. With a
// usage mirror configured it adds the mirrored token total.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	if s.mirror != nil {
		counters, err := s.mirror.Snapshot(r.Context())
		if err != nil {
			s.logger.WarnContext(r.Context(), "Failed to read mirrored usage", slog.Any("error", err))
		} else {
			var total int64
			for _, n := range counters {
				total += n
			}
			stats["mirrored_tokens"] = total
		}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// UsageHandler reports one conversation's token usage.
func (s *Server) UsageHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")
	resp := map[string]any{
		"conversation_id": conversationID,
		"tokens_used":     s.sessions.Usage(conversationID),
	}
	if s.mirror != nil {
		n, err := s.mirror.Usage(r.Context(), conversationID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "Failed to read mirrored usage",
				slog.String("conversation_id", conversationID), slog.Any("error", err))
		} else {
			resp["mirrored_tokens"] = n
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// UsersHandler lists the registered users, sorted by user ID.
func (s *Server) UsersHandler(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.ListAll()
	sortEntries(entries)

	users := make([]userView, 0, len(entries))
	for _, e := range entries {
		users = append(users, userView{
			UserID:      e.UserID,
			Name:        e.Name,
			Avatar:      e.Avatar,
			RemoteAddr:  e.RemoteAddr,
			ConnectedAt: e.ConnectedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, users)
}

// DisconnectHandler closes the connection of the user named in the path.
func (s *Server) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if !s.DisconnectUser(userID) {
		http.Error(w, "user not connected", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KnownUsersHandler lists every user the store has seen, online first.
func (s *Server) KnownUsersHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.storeError(w, r, "list users", err)
		return
	}

	views := make([]knownUserView, 0, len(users))
	for _, u := range users {
		views = append(views, knownUserView{
			UserID:   u.ID,
			Name:     u.Name,
			Avatar:   u.Avatar,
			LastAddr: u.LastAddr,
			Online:   u.Online,
			LastSeen: u.LastSeen,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// MemoriesHandler lists the user's stored memories, newest first.
func (s *Server) MemoriesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	memories, err := s.store.ListMemories(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, "list memories", err)
		return
	}

	views := make([]memoryView, 0, len(memories))
	for _, m := range memories {
		views = append(views, newMemoryView(m))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// AddMemoryHandler stores a memory written by hand for the user.
func (s *Server) AddMemoryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	var body struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
		Category       string `json:"category"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	mem, err := s.store.AddMemory(r.Context(), storage.Memory{
		OwnerID:        r.PathValue("id"),
		ConversationID: body.ConversationID,
		Content:        body.Content,
		Category:       body.Category,
	})
	if err != nil {
		s.storeError(w, r, "add memory", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newMemoryView(mem))
}

// ClearMemoriesHandler deletes every memory the user owns.
func (s *Server) ClearMemoriesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	n, err := s.store.ClearMemories(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, "clear memories", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// DeleteMemoryHandler deletes one memory by ID.
func (s *Server) DeleteMemoryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.store.DeleteMemory(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, r, "delete memory", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "persistence is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// storeError maps storage errors onto HTTP status codes.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case storage.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.ErrorContext(r.Context(), "Store request failed", slog.String("op", op), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Error writing JSON response", slog.Any("error", err))
	}
}
