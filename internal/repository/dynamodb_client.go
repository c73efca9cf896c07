package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"facilitator-agent/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixHint = "HINT#"
	skMeta       = "META#"
	skConvPtr    = "CONV#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations, the message ledger and hint budgets in a
// single DynamoDB table.
//
// Item layout:
//
//	SESSION#<sid> / CONV#          session -> conversation pointer
//	SESSION#<sid> / HINT#<stage>   hint budget counters
//	CONV#<id>     / META#          conversation aggregate
//	CONV#<id>     / MSG#<ulid>     ledger message
type Client struct {
	api             dynamodbAPI
	tableName       string
	defaultMaxHints int
	logger          *slog.Logger

	now          func() time.Time
	newConvID    func() string
	newMessageID func() string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, defaultMaxHints int) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if defaultMaxHints <= 0 {
		return nil, errors.New("repository: default max hints must be positive")
	}
	return &Client{
		api:             api,
		tableName:       tableName,
		defaultMaxHints: defaultMaxHints,
		logger:          slog.Default(),
		now:             time.Now,
		newConvID:       uuid.NewString,
		newMessageID:    func() string { return ulid.Make().String() },
	}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK sorts by ULID, which is ordered by creation time.
func msgSK(messageID string) string {
	return skPrefixMsg + messageID
}

func hintSK(stage int) string {
	return fmt.Sprintf("%s%06d", skPrefixHint, stage)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetOrCreateConversation returns the session's conversation, creating it on
// first use. The boolean reports whether this call created it.
func (c *Client) GetOrCreateConversation(ctx context.Context, sessionID string) (domain.Conversation, bool, error) {
	conv, err := c.conversationForSession(ctx, sessionID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, false, err
	}

	now := c.now().UTC()
	conv = domain.Conversation{
		ID:           c.newConvID(),
		SessionID:    sessionID,
		Status:       domain.ConversationActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                pointerItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                conversationItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			// Lost the creation race; the winner's conversation is authoritative.
			existing, getErr := c.conversationForSession(ctx, sessionID)
			if getErr != nil {
				return domain.Conversation{}, false, fmt.Errorf("repository: GetOrCreateConversation reread: %w", getErr)
			}
			return existing, false, nil
		}
		return domain.Conversation{}, false, fmt.Errorf("repository: GetOrCreateConversation: %w", err)
	}
	return conv, true, nil
}

// GetConversation loads a conversation aggregate by id.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

func (c *Client) conversationForSession(ctx context.Context, sessionID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(sessionPK(sessionID), skConvPtr),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: session pointer get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: session %q: %w", sessionID, domain.ErrNotFound)
	}
	convID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: session pointer decode: %w", err)
	}
	return c.GetConversation(ctx, convID)
}

// CommitTurn appends the assistant reply, adds token usage to the
// conversation and, when a hint was reserved, converts the reservation into
// a used hint. All writes land in one transaction.
func (c *Client) CommitTurn(ctx context.Context, commit domain.TurnCommit) (domain.TurnReceipt, error) {
	if commit.ConversationID == "" {
		return domain.TurnReceipt{}, errors.New("repository: CommitTurn: conversation id is required")
	}
	if commit.HintReserved && commit.SessionID == "" {
		return domain.TurnReceipt{}, errors.New("repository: CommitTurn: session id is required to consume a hint")
	}

	now := c.now().UTC()
	msg := domain.Message{
		ID:             c.newMessageID(),
		ConversationID: commit.ConversationID,
		Role:           domain.RoleAssistant,
		Content:        commit.Reply,
		Tokens:         commit.ReplyTokens,
		CreatedAt:      now,
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(msg),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		},
		{
			Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 key(convPK(commit.ConversationID), skMeta),
				UpdateExpression:    aws.String("SET lastActivity = :now ADD tokenCount :tokens, estimatedCost :cost, turns :one"),
				ConditionExpression: aws.String("attribute_exists(PK)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					":tokens": numberValue(commit.TokensUsed),
					":cost":   &types.AttributeValueMemberN{Value: formatFloat(commit.Cost)},
					":one":    numberValue(1),
				},
			},
		},
	}
	if commit.HintReserved {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 key(sessionPK(commit.SessionID), hintSK(commit.Stage)),
				UpdateExpression:    aws.String("SET hintsUsed = hintsUsed + :one, hintsReserved = hintsReserved - :one"),
				ConditionExpression: aws.String("hintsReserved >= :one"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one": numberValue(1),
				},
			},
		})
	}

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return domain.TurnReceipt{}, fmt.Errorf("repository: CommitTurn: %w", err)
	}

	receipt := domain.TurnReceipt{Message: msg}
	// Read-backs are best effort; the transaction above is the durable result.
	conv, err := c.GetConversation(ctx, commit.ConversationID)
	if err != nil {
		c.logger.WarnContext(ctx, "commit turn: conversation read-back failed",
			"conversation_id", commit.ConversationID, "message_id", msg.ID, "err", err)
	} else {
		receipt.Conversation = conv
	}
	if commit.HintReserved {
		usage, err := c.PeekHints(ctx, commit.SessionID, commit.Stage)
		if err != nil {
			c.logger.WarnContext(ctx, "commit turn: hint budget read-back failed",
				"session_id", commit.SessionID, "stage", commit.Stage, "message_id", msg.ID, "err", err)
		} else {
			receipt.Hints = &usage
		}
	}
	return receipt, nil
}

// isConditionFailure reports a failed condition on a single write or on any
// member of a transaction.
func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
