// Package server wires HTTP handlers into a ServeMux for the PetChat
// admin and WebSocket listener.
package server

import "net/http"

// Routes returns a ServeMux with the health, WebSocket and admin routes.
// The memory and known-user routes answer 503 without a store.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("GET /stats", s.StatsHandler)
	mux.HandleFunc("GET /users", s.UsersHandler)
	mux.HandleFunc("POST /users/{id}/disconnect", s.DisconnectHandler)
	mux.HandleFunc("GET /usage/{conversation}", s.UsageHandler)
	mux.HandleFunc("GET /known-users", s.KnownUsersHandler)
	mux.HandleFunc("GET /users/{id}/memories", s.MemoriesHandler)
	mux.HandleFunc("POST /users/{id}/memories", s.AddMemoryHandler)
	mux.HandleFunc("DELETE /users/{id}/memories", s.ClearMemoriesHandler)
	mux.HandleFunc("DELETE /memories/{id}", s.DeleteMemoryHandler)
	return mux
}
