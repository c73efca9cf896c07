package repository

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"facilitator-agent/internal/domain"
)

func numberValue(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func pointerItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: sessionPK(conv.SessionID)},
		"SK":             &types.AttributeValueMemberS{Value: skConvPtr},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(time.RFC3339Nano)},
	}
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"sessionId":      &types.AttributeValueMemberS{Value: conv.SessionID},
		"status":         &types.AttributeValueMemberS{Value: string(conv.Status)},
		"tokenCount":     numberValue(conv.TokenCount),
		"estimatedCost":  &types.AttributeValueMemberN{Value: formatFloat(conv.EstimatedCost)},
		"turns":          numberValue(conv.Turns),
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(time.RFC3339Nano)},
		"lastActivity":   &types.AttributeValueMemberS{Value: conv.LastActivity.Format(time.RFC3339Nano)},
	}
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.ID)},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"tokens":         numberValue(msg.Tokens),
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Conversation{}, err
	}
	tokens, err := optionalIntAttr(item, "tokenCount")
	if err != nil {
		return domain.Conversation{}, err
	}
	turns, err := optionalIntAttr(item, "turns")
	if err != nil {
		return domain.Conversation{}, err
	}
	cost, err := optionalFloatAttr(item, "estimatedCost")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, _ := timeAttr(item, "createdAt")
	lastActivity, _ := timeAttr(item, "lastActivity")

	return domain.Conversation{
		ID:            id,
		SessionID:     sessionID,
		Status:        domain.ConversationStatus(status),
		TokenCount:    tokens,
		EstimatedCost: cost,
		Turns:         turns,
		CreatedAt:     createdAt,
		LastActivity:  lastActivity,
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	convID, _ := strAttr(item, "conversationId")
	tokens, err := optionalIntAttr(item, "tokens")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, _ := timeAttr(item, "createdAt")

	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      createdAt,
	}, nil
}

func itemToHintUsage(item map[string]types.AttributeValue, sessionID string, stage int) (domain.HintUsage, error) {
	used, err := optionalIntAttr(item, "hintsUsed")
	if err != nil {
		return domain.HintUsage{}, err
	}
	reserved, err := optionalIntAttr(item, "hintsReserved")
	if err != nil {
		return domain.HintUsage{}, err
	}
	maxHints, err := intAttr(item, "hintsMax")
	if err != nil {
		return domain.HintUsage{}, err
	}
	return domain.HintUsage{
		SessionID: sessionID,
		Stage:     stage,
		Used:      used,
		Reserved:  reserved,
		Max:       maxHints,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func optionalIntAttr(item map[string]types.AttributeValue, key string) (int, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	return intAttr(item, key)
}

func optionalFloatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
