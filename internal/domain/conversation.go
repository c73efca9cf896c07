package domain

import (
	"errors"
	"time"
)

var (
	// ErrNotFound reports a conversation (or its session pointer) that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrHintsExhausted reports that a (session, stage) hint budget has no free slot.
	ErrHintsExhausted = errors.New("hints exhausted")
)

// ConversationStatus is the lifecycle state of a facilitator conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
)

// Role is the author of a ledger message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation is one facilitator dialogue bound to exactly one game session.
type Conversation struct {
	ID            string
	SessionID     string
	Status        ConversationStatus
	TokenCount    int
	EstimatedCost float64
	Turns         int
	CreatedAt     time.Time
	LastActivity  time.Time
}

// Message is a single immutable ledger entry.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Tokens         int
	CreatedAt      time.Time
}

// RecentQuery selects the newest window of a conversation's ledger.
type RecentQuery struct {
	ConversationID string
	// ExcludeID, when set, drops that message before the limit is applied.
	ExcludeID string
	Limit     int
	// Roles restricts the result; empty means every role.
	Roles []Role
}

// Accepts reports whether the query's role filter admits role.
func (q RecentQuery) Accepts(role Role) bool {
	if len(q.Roles) == 0 {
		return true
	}
	for _, r := range q.Roles {
		if r == role {
			return true
		}
	}
	return false
}
