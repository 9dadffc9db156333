package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is the value of the "type" key that tags every message.
type Type string

// Message types understood by the chat server.
const (
	TypeRegister          Type = "register"
	TypeChatMessage       Type = "chat_message"
	TypeTypingStatus      Type = "typing_status"
	TypeAIAnalysisRequest Type = "ai_analysis_request"
	TypeAISuggestion      Type = "ai_suggestion"
	TypeAIEmotion         Type = "ai_emotion"
	TypeAIMemory          Type = "ai_memory"
	TypePresence          Type = "presence"
	TypeOnlineUsers       Type = "online_users"
	TypeOnlineUsersList   Type = "online_users_list"
)

// TargetPublic addresses a chat message to every connected user.
const TargetPublic = "public"

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Message is implemented by every envelope variant.
type Message interface {
	MessageType() Type
}

// Turn is one role-tagged entry of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MemoryItem is a fact extracted from a conversation.
type MemoryItem struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// UserInfo describes one online user in an online_users_list.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	IP     string `json:"ip"`
}

// Register binds a connection to a user identity.
type Register struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Avatar   string `json:"avatar"`
}

// ChatMessage is a public or private chat line. ConversationID is optional
// and lets the server keep the AI context for that conversation current.
type ChatMessage struct {
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SenderAvatar   string `json:"sender_avatar"`
	Target         string `json:"target"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// IsPublic reports whether the message is addressed to everyone.
func (m ChatMessage) IsPublic() bool {
	return m.Target == TargetPublic
}

// TypingStatus announces that a user started or stopped typing.
type TypingStatus struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	IsTyping   bool   `json:"is_typing"`
}

// AIAnalysisRequest asks the server to analyse a conversation.
type AIAnalysisRequest struct {
	ConversationID  string `json:"conversation_id"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name"`
	ContextSnapshot []Turn `json:"context_snapshot,omitempty"`
}

// AISuggestion carries a generated suggestion back to the requester.
type AISuggestion struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	SuggestionType string `json:"suggestion_type"`
}

// AIEmotion carries emotion scores keyed by label.
type AIEmotion struct {
	ConversationID string             `json:"conversation_id"`
	Scores         map[string]float64 `json:"scores"`
}

// AIMemory carries extracted memories.
type AIMemory struct {
	ConversationID string       `json:"conversation_id"`
	Memories       []MemoryItem `json:"memories"`
}

// Presence announces a user going online or offline.
type Presence struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Avatar   string `json:"avatar"`
	Status   string `json:"status"`
}

// OnlineUsers asks the server for the current online users list.
type OnlineUsers struct{}

// OnlineUsersList is the server's answer to OnlineUsers and the greeting
// sent after a successful register.
type OnlineUsersList struct {
	Users []UserInfo `json:"users"`
}

func (Register) MessageType() Type          { return TypeRegister }
func (ChatMessage) MessageType() Type       { return TypeChatMessage }
func (TypingStatus) MessageType() Type      { return TypeTypingStatus }
func (AIAnalysisRequest) MessageType() Type { return TypeAIAnalysisRequest }
func (AISuggestion) MessageType() Type      { return TypeAISuggestion }
func (AIEmotion) MessageType() Type         { return TypeAIEmotion }
func (AIMemory) MessageType() Type          { return TypeAIMemory }
func (Presence) MessageType() Type          { return TypePresence }
func (OnlineUsers) MessageType() Type       { return TypeOnlineUsers }
func (OnlineUsersList) MessageType() Type   { return TypeOnlineUsersList }

// requiredFields lists the JSON keys that must be present for each type.
var requiredFields = map[Type][]string{
	TypeRegister:          {"user_id", "user_name", "avatar"},
	TypeChatMessage:       {"sender_id", "sender_name", "sender_avatar", "target", "content"},
	TypeTypingStatus:      {"sender_id", "sender_name", "is_typing"},
	TypeAIAnalysisRequest: {"conversation_id", "sender_id", "sender_name"},
	TypeAISuggestion:      {"conversation_id", "title", "content", "suggestion_type"},
	TypeAIEmotion:         {"conversation_id", "scores"},
	TypeAIMemory:          {"conversation_id", "memories"},
	TypePresence:          {"user_id", "user_name", "avatar", "status"},
	TypeOnlineUsers:       {},
	TypeOnlineUsersList:   {"users"},
}

// Decode parses one JSON payload into its concrete message type.
//
// Decoding fails closed: a payload missing a required key, or carrying an
// empty identifier, is rejected with ErrMissingField instead of being
// passed on with zero values.
func Decode(payload []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	rawType, ok := raw["type"]
	if !ok {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	var t Type
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, fmt.Errorf("%w: type: %v", ErrInvalidJSON, err)
	}

	required, known := requiredFields[t]
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	for _, key := range required {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingField, t, key)
		}
	}

	msg, err := decodeTyped(t, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJSON, t, err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeTyped(t Type, payload []byte) (Message, error) {
	switch t {
	case TypeRegister:
		return unmarshalAs[Register](payload)
	case TypeChatMessage:
		return unmarshalAs[ChatMessage](payload)
	case TypeTypingStatus:
		return unmarshalAs[TypingStatus](payload)
	case TypeAIAnalysisRequest:
		return unmarshalAs[AIAnalysisRequest](payload)
	case TypeAISuggestion:
		return unmarshalAs[AISuggestion](payload)
	case TypeAIEmotion:
		return unmarshalAs[AIEmotion](payload)
	case TypeAIMemory:
		return unmarshalAs[AIMemory](payload)
	case TypePresence:
		return unmarshalAs[Presence](payload)
	case TypeOnlineUsers:
		return OnlineUsers{}, nil
	case TypeOnlineUsersList:
		return unmarshalAs[OnlineUsersList](payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

func unmarshalAs[T Message](payload []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func validate(msg Message) error {
	var field string
	switch m := msg.(type) {
	case Register:
		field = firstBlank("user_id", m.UserID)
	case ChatMessage:
		field = firstBlank("sender_id", m.SenderID, "target", m.Target)
	case TypingStatus:
		field = firstBlank("sender_id", m.SenderID)
	case AIAnalysisRequest:
		field = firstBlank("conversation_id", m.ConversationID, "sender_id", m.SenderID)
	case AISuggestion:
		field = firstBlank("conversation_id", m.ConversationID)
	case AIEmotion:
		field = firstBlank("conversation_id", m.ConversationID)
	case AIMemory:
		field = firstBlank("conversation_id", m.ConversationID)
	case Presence:
		field = firstBlank("user_id", m.UserID)
		if field == "" && m.Status != StatusOnline && m.Status != StatusOffline {
			field = "status"
		}
	}
	if field != "" {
		return fmt.Errorf("%w: %s.%s", ErrMissingField, msg.MessageType(), field)
	}
	return nil
}

// firstBlank takes name/value pairs and returns the first name whose value
// is empty after trimming.
func firstBlank(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return pairs[i]
		}
	}
	return ""
}

// Marshal serialises msg with its "type" tag.
func Marshal(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	tag, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}

	// body is a JSON object; splice the type tag in as its first key.
	if len(body) == 2 {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(tag)+8)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}
