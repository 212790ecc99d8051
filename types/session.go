package types

import (
	"time"

	"github.com/google/uuid"
)

// FlowSession is the durable state owned by one flow session actor.
type FlowSession struct {
	ID     string `json:"id" gorm:"primaryKey;size:64"`
	UserID string `json:"user_id" gorm:"index;size:128"`

	// EngagedProcesses grows monotonically: once a process is engaged it
	// stays engaged for the lifetime of the session.
	EngagedProcesses []string `json:"engaged_processes" gorm:"serializer:json"`

	// BackendConversationIDs lists the active backend conversations.
	BackendConversationIDs []string `json:"backend_conversation_ids" gorm:"serializer:json"`

	// Messages is the session's own message list (user messages, direct
	// answers, aggregation messages and final syntheses).
	Messages []ChatMessage `json:"messages" gorm:"foreignKey:ConversationID"`

	// Supersessions maps a superseded message id to its successor so
	// history readers can show only the latest view while retaining the
	// intermediate message for audit.
	Supersessions map[string]string `json:"supersessions" gorm:"serializer:json"`

	QueryCount int       `json:"query_count"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NewFlowSession creates an empty session for a user.
func NewFlowSession(userID string) *FlowSession {
	now := time.Now()
	return &FlowSession{
		ID:            uuid.New().String(),
		UserID:        userID,
		Supersessions: make(map[string]string),
		CreatedAt:     now,
		ModifiedAt:    now,
	}
}

// EngageProcess adds a process to the engaged set. Returns true when the
// process was newly engaged.
func (s *FlowSession) EngageProcess(name string) bool {
	for _, p := range s.EngagedProcesses {
		if p == name {
			return false
		}
	}
	s.EngagedProcesses = append(s.EngagedProcesses, name)
	s.ModifiedAt = time.Now()
	return true
}

// TrackBackend records an active backend conversation id (idempotent).
func (s *FlowSession) TrackBackend(conversationID string) {
	for _, id := range s.BackendConversationIDs {
		if id == conversationID {
			return
		}
	}
	s.BackendConversationIDs = append(s.BackendConversationIDs, conversationID)
	s.ModifiedAt = time.Now()
}

// Supersede records that successor replaces predecessor.
func (s *FlowSession) Supersede(predecessorID, successorID string) {
	if s.Supersessions == nil {
		s.Supersessions = make(map[string]string)
	}
	s.Supersessions[predecessorID] = successorID
	for i := range s.Messages {
		if s.Messages[i].ID == predecessorID {
			s.Messages[i].SupersededBy = successorID
		}
	}
	s.ModifiedAt = time.Now()
}
