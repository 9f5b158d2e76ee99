package llm

import "github.com/Rrens/llm-chat-relay/internal/domain"

// DefaultHistoryWindow is how many prior messages go upstream when no window is configured
const DefaultHistoryWindow = 10

// PrepareMessages builds the upstream message list: the system prompt, the last window messages,
// then the new user turn. The user turn is skipped when it is already the newest stored message,
// which is the normal case because it is persisted before dispatch.
func PrepareMessages(req Request) []ChatMessage {
	window := req.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	var prior []domain.Message
	if req.Conversation != nil {
		prior = req.Conversation.Messages
	}
	if len(prior) > window {
		prior = prior[len(prior)-window:]
	}

	messages := make([]ChatMessage, 0, len(prior)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: string(domain.RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range prior {
		messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	if n := len(prior); n > 0 && prior[n-1].Role == domain.RoleUser && prior[n-1].Content == req.Content {
		return messages
	}
	return append(messages, ChatMessage{Role: string(domain.RoleUser), Content: req.Content})
}
