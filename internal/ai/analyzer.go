package ai

import (
	"context"

	"github.com/Tyrowin/petchat/internal/protocol"
)

// Suggestion is a generated tip for the conversation.
type Suggestion struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// Usage reports the tokens a single provider call consumed.
type Usage struct {
	TotalTokens int64
}

// Analyzer is the external AI provider. Every method may fail; the
// coordinator treats a failure as "no result" for that call.
type Analyzer interface {
	AnalyzeEmotion(ctx context.Context, turns []protocol.Turn) (map[string]float64, Usage, error)
	ExtractMemories(ctx context.Context, turns []protocol.Turn) ([]protocol.MemoryItem, Usage, error)
	// GenerateSuggestion returns nil when the model has nothing to suggest.
	GenerateSuggestion(ctx context.Context, turns []protocol.Turn) (*Suggestion, Usage, error)
}

// Deliverer pushes a result message to a connected user. It reports
// whether the user was reachable.
type Deliverer interface {
	Deliver(userID string, msg protocol.Message) bool
}

// History supplies stored turns for a conversation the server has no
// live context for.
type History interface {
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]protocol.Turn, error)
}

// MemorySink persists extracted memories.
type MemorySink interface {
	SaveMemories(ctx context.Context, ownerID, conversationID string, items []protocol.MemoryItem) error
}

// UsageMirror receives every usage increment in addition to the in-memory
// counters, for example a shared Redis hash.
type UsageMirror interface {
	AddUsage(ctx context.Context, conversationID string, tokens int64) error
}
