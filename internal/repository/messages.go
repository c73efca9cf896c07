package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"facilitator-agent/internal/domain"
)

// AppendMessage writes one immutable ledger entry. The write is conditioned
// on the conversation existing, so appends to unknown conversations fail
// with domain.ErrNotFound.
func (c *Client) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Message{}, errors.New("repository: AppendMessage: conversation id is required")
	}
	if !role.Valid() {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: invalid role %q", role)
	}

	msg := domain.Message{
		ID:             c.newMessageID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      c.now().UTC(),
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(c.tableName),
					Key:                 key(convPK(conversationID), skMeta),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if conversationCheckFailed(err) {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage: conversation %q: %w", conversationID, domain.ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// conversationCheckFailed reports whether the ConditionCheck (first item)
// of an append transaction rejected the write.
func conversationCheckFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

// RecentMessages returns the newest q.Limit messages matching the role
// filter, oldest first.
func (c *Client) RecentMessages(ctx context.Context, q domain.RecentQuery) ([]domain.Message, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(q.ConversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(q.Limit + 1)),
	}
	if len(q.Roles) > 0 {
		placeholders := make([]string, 0, len(q.Roles))
		for i, role := range q.Roles {
			name := fmt.Sprintf(":r%d", i)
			placeholders = append(placeholders, name)
			in.ExpressionAttributeValues[name] = &types.AttributeValueMemberS{Value: string(role)}
		}
		in.FilterExpression = aws.String("#role IN (" + strings.Join(placeholders, ", ") + ")")
		in.ExpressionAttributeNames = map[string]string{"#role": "role"}
	}

	msgs := make([]domain.Message, 0, q.Limit)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: RecentMessages unmarshal: %w", err)
			}
			if msg.ID == q.ExcludeID || !q.Accepts(msg.Role) {
				continue
			}
			msgs = append(msgs, msg)
			if len(msgs) == q.Limit {
				break
			}
		}
		// The filter runs after Limit, so a page can come back short.
		if len(msgs) == q.Limit || len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
