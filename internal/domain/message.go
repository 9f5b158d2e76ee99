package domain

import "time"

// MessageRole represents the sender of a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one persisted turn of a conversation.
// Only user and assistant roles are ever stored; the system prompt lives on the conversation.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a message stamped with the given time
func NewMessage(role MessageRole, content string, at time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
}
