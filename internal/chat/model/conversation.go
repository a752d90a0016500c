package model

import (
	"github.com/cloudwego/eino/schema"
)

// Role reuses eino's role constants; only User and Assistant are stored.
type Role = schema.RoleType

const (
	RoleUser      Role = schema.User
	RoleAssistant Role = schema.Assistant
	RoleSystem    Role = schema.System
)

// DefaultTitle is used until the first user message names the conversation.
const DefaultTitle = "New conversation"

// DefaultPersonaID is assigned to conversations stored without a persona.
const DefaultPersonaID = "math-tutor"

// Message is a single turn. Reasoning is always present so documents
// written before reasoning support merge cleanly.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Conversation is owned by the conversations.Store; everything handed out
// of the store is a Clone.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Model     string    `json:"model"`
	PersonaID string    `json:"personaId"`
	CreatedAt int64     `json:"createdAt"` // unix millis
	UpdatedAt int64     `json:"updatedAt"` // unix millis
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}

// FindMessage returns the index of the message with the given id, or -1.
func (c *Conversation) FindMessage(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// StreamDelta is one incremental fragment of model output. The decoder
// never produces a delta with both fields empty.
type StreamDelta struct {
	Content   string
	Reasoning string
}

// IsEmpty reports whether the delta carries nothing.
func (d StreamDelta) IsEmpty() bool {
	return d.Content == "" && d.Reasoning == ""
}
