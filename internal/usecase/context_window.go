package usecase

import (
	"context"
	"errors"
	"fmt"

	"facilitator-agent/internal/domain"
)

var dialogueRoles = []domain.Role{domain.RoleUser, domain.RoleAssistant}

// MessageReader is the read side of the message ledger.
type MessageReader interface {
	RecentMessages(ctx context.Context, q domain.RecentQuery) ([]domain.Message, error)
}

// ContextWindowBuilder turns the newest dialogue turns of a conversation into
// prompt history for the generator.
type ContextWindowBuilder struct {
	ledger MessageReader
}

func NewContextWindowBuilder(ledger MessageReader) (*ContextWindowBuilder, error) {
	if ledger == nil {
		return nil, errors.New("usecase: message reader must not be nil")
	}
	return &ContextWindowBuilder{ledger: ledger}, nil
}

// Build returns at most windowSize user/assistant turns, oldest first,
// never including currentMessageID. System messages are skipped.
func (b *ContextWindowBuilder) Build(ctx context.Context, conversationID, currentMessageID string, windowSize int) ([]domain.ChatTurn, error) {
	if conversationID == "" {
		return nil, errors.New("usecase: conversation id is required")
	}
	if windowSize < 0 {
		return nil, fmt.Errorf("usecase: window size %d is negative", windowSize)
	}
	if windowSize == 0 {
		return []domain.ChatTurn{}, nil
	}

	msgs, err := b.ledger.RecentMessages(ctx, domain.RecentQuery{
		ConversationID: conversationID,
		ExcludeID:      currentMessageID,
		Limit:          windowSize,
		Roles:          dialogueRoles,
	})
	if err != nil {
		return nil, fmt.Errorf("usecase: read recent messages: %w", err)
	}

	turns := make([]domain.ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == currentMessageID && currentMessageID != "" {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			turns = append(turns, domain.UserTurn(m.Content))
		case domain.RoleAssistant:
			turns = append(turns, domain.ModelTurn(m.Content))
		}
	}
	if len(turns) > windowSize {
		turns = turns[len(turns)-windowSize:]
	}
	return turns, nil
}
