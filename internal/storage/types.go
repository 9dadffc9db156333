package storage

import "time"

// User is a user the server has seen register.
type User struct {
	ID       string
	Name     string
	Avatar   string
	LastAddr string
	Online   bool
	LastSeen time.Time
}

// Message is one stored chat line.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      time.Time
}

// Memory is a fact extracted from a conversation for one user.
type Memory struct {
	ID             string
	OwnerID        string
	ConversationID string
	Content        string
	Category       string
	CreatedAt      time.Time
}
