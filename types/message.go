package types

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Source identifies who produced a chat message.
type Source string

const (
	SourceUser      Source = "user"
	SourceAssistant Source = "assistant"
)

// ChatMessage is one message inside a conversation or flow session.
// Messages are append-only: after creation the only permitted mutations are
// appending streamed text, flipping Completed, and linking a summary or a
// superseding message.
type ChatMessage struct {
	ID             string    `json:"id" gorm:"primaryKey;size:64"`
	ConversationID string    `json:"conversation_id" gorm:"index;size:64"`
	Source         Source    `json:"source" gorm:"size:16"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`

	// ReplyToID links an assistant reply to the user message it answers.
	ReplyToID string `json:"reply_to_id,omitempty" gorm:"size:64"`
	// Author is the optional identity of the human who wrote the message.
	Author string `json:"author,omitempty" gorm:"size:128"`
	// SummaryID links to the summary that absorbed this message, if any.
	SummaryID string `json:"summary_id,omitempty" gorm:"size:64"`

	// Completed reports whether a streamed assistant reply has finished.
	Completed bool `json:"completed"`
	// Aggregation marks an in-progress composite message built from
	// multiple backend sections.
	Aggregation bool `json:"aggregation,omitempty"`
	// SupersededBy is the id of the message that replaced this one.
	SupersededBy string `json:"superseded_by,omitempty" gorm:"size:64"`
}

// NewChatMessage creates a message with a fresh id and timestamps.
func NewChatMessage(conversationID string, source Source, text string) *ChatMessage {
	now := time.Now()
	return &ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Source:         source,
		Text:           text,
		CreatedAt:      now,
		ModifiedAt:     now,
		Completed:      source == SourceUser,
	}
}

// AppendText appends streamed text and bumps the modification time.
func (m *ChatMessage) AppendText(delta string) {
	m.Text += delta
	m.ModifiedAt = time.Now()
}

// MarkCompleted flips the completion state.
func (m *ChatMessage) MarkCompleted() {
	m.Completed = true
	m.ModifiedAt = time.Now()
}

// ConversationSummary absorbs a span of older messages. Immutable once created.
type ConversationSummary struct {
	ID             string    `json:"id" gorm:"primaryKey;size:64"`
	ConversationID string    `json:"conversation_id" gorm:"index;size:64"`
	CreatedAt      time.Time `json:"created_at"`
	Text           string    `json:"text"`
	// MessageIDs is the set of messages this summary covers.
	MessageIDs []string `json:"message_ids" gorm:"serializer:json"`
}

// Conversation is the durable state owned by one conversation actor.
// Invariant: Messages are append-only; display ordering is by CreatedAt,
// not by insertion order.
type Conversation struct {
	ID           string                `json:"id" gorm:"primaryKey;size:64"`
	CreatedAt    time.Time             `json:"created_at"`
	ModifiedAt   time.Time             `json:"modified_at"`
	ProcessName  string                `json:"process_name" gorm:"index;size:128"`
	SystemPrompt string                `json:"system_prompt"`
	Messages     []ChatMessage         `json:"messages" gorm:"foreignKey:ConversationID"`
	ReferenceIDs []string              `json:"reference_ids" gorm:"serializer:json"`
	Summaries    []ConversationSummary `json:"summaries" gorm:"foreignKey:ConversationID"`
}

// NewConversation creates an empty conversation for a process.
func NewConversation(processName, systemPrompt string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		ModifiedAt:   now,
		ProcessName:  processName,
		SystemPrompt: systemPrompt,
	}
}

// OrderedMessages returns messages sorted by creation time.
func (c *Conversation) OrderedMessages() []ChatMessage {
	out := make([]ChatMessage, len(c.Messages))
	copy(out, c.Messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UnsummarizedBefore returns the messages older than cutoff that no summary
// has absorbed yet.
func (c *Conversation) UnsummarizedBefore(cutoff time.Time) []ChatMessage {
	var out []ChatMessage
	for _, m := range c.Messages {
		if m.SummaryID == "" && m.CreatedAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}
