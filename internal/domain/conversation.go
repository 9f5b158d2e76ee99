package domain

import (
	"context"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is the title of a conversation before its first message
	DefaultTitle = "New Conversation"

	// DefaultTemperature is used when a conversation is created without one
	DefaultTemperature = 0.7

	titleMaxBytes = 30
)

// Conversation is a titled, ordered thread of messages between one owner and one backend/model pairing
type Conversation struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Title        string    `json:"title"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	Deleted      bool      `json:"deleted"`
	Service      string    `json:"llm_service"`
	Model        string    `json:"llm_model"`
	SystemPrompt string    `json:"system_prompt"`
	Temperature  float64   `json:"temperature"`
	Messages     []Message `json:"messages"`
	Version      int64     `json:"version"`
}

// ConversationSummary is the list projection of a conversation
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	Deleted      bool      `json:"deleted"`
	Service      string    `json:"llm_service"`
	Model        string    `json:"llm_model"`
	MessageCount int       `json:"message_count"`
}

// ConversationCreate represents conversation creation input
type ConversationCreate struct {
	Service      string   `json:"llm_service" validate:"omitempty,max=64"`
	Model        string   `json:"llm_model" validate:"omitempty,max=128"`
	SystemPrompt string   `json:"system_prompt" validate:"max=8000"`
	Temperature  *float64 `json:"temperature"`
	TestMode     bool     `json:"test_mode"`
}

// ConversationUpdate represents a partial update; nil fields are left untouched
type ConversationUpdate struct {
	Title        *string  `json:"title" validate:"omitempty,min=1,max=200"`
	SystemPrompt *string  `json:"system_prompt" validate:"omitempty,max=8000"`
	Temperature  *float64 `json:"temperature"`
}

// Usage carries the per-owner rate-limit clock.
// Previous is the value the writer observed; stores only apply the write if it still matches.
type Usage struct {
	Owner       string
	LastRequest time.Time
	Previous    time.Time
}

// ConversationStore defines durable per-owner storage of conversations
type ConversationStore interface {
	// Get returns ErrNotFound when the id does not resolve for this owner
	Get(ctx context.Context, owner, id string) (*Conversation, error)

	// Put inserts when Version is 0, otherwise replaces the record only if the stored
	// version matches. On success conv.Version holds the new version.
	Put(ctx context.Context, conv *Conversation) error

	// PutWithUsage applies Put and the owner's last request time as one unit
	PutWithUsage(ctx context.Context, conv *Conversation, usage Usage) error

	ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]ConversationSummary, error)

	// CountByOwner counts every conversation of the owner, tombstones included
	CountByOwner(ctx context.Context, owner string) (int, error)

	// LastRequestTime returns the zero time if the owner never sent a message
	LastRequestTime(ctx context.Context, owner string) (time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// Clone returns a deep copy safe to mutate
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	return &cp
}

// Summary projects the conversation for listings
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		Created:      c.Created,
		Updated:      c.Updated,
		Deleted:      c.Deleted,
		Service:      c.Service,
		Model:        c.Model,
		MessageCount: len(c.Messages),
	}
}

// AppendMessage appends a message and refreshes Updated.
// The first user message also becomes the title.
func (c *Conversation) AppendMessage(msg Message) {
	c.Messages = append(c.Messages, msg)
	if len(c.Messages) == 1 && msg.Role == RoleUser {
		c.Title = DeriveTitle(msg.Content)
	}
	c.Touch(msg.Timestamp)
}

// Touch refreshes Updated without letting it go backwards
func (c *Conversation) Touch(at time.Time) {
	if at.Before(c.Created) {
		at = c.Created
	}
	if at.After(c.Updated) {
		c.Updated = at
	}
}

// LastMessage returns the most recent message, if any
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// DeriveTitle cuts content to 30 bytes on a rune boundary and appends an ellipsis when shortened
func DeriveTitle(content string) string {
	if len(content) <= titleMaxBytes {
		return content
	}
	cut := titleMaxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

// ClampTemperature keeps temperature within [0,1]
func ClampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// UnixSeconds stores a usage clock as epoch seconds, with 0 meaning never
func UnixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FromUnixSeconds is the inverse of UnixSeconds
func FromUnixSeconds(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
