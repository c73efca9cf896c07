package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"facilitator-agent/internal/domain"
)

// Hint budget items carry hintsHeld = hintsUsed + hintsReserved so the
// capacity check is a single attribute comparison; DynamoDB conditions
// cannot add attributes together.
const takeHintUpdate = "SET hintsMax = if_not_exists(hintsMax, :max), " +
	"hintsUsed = if_not_exists(hintsUsed, :zero) + :used, " +
	"hintsReserved = if_not_exists(hintsReserved, :zero) + :reserved, " +
	"hintsHeld = if_not_exists(hintsHeld, :zero) + :one"

const takeHintCondition = "attribute_not_exists(hintsHeld) OR hintsHeld < hintsMax"

// PeekHints reads a hint budget without mutating it. Missing budgets report
// the configured default.
func (c *Client) PeekHints(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(sessionPK(sessionID), hintSK(stage)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.HintUsage{}, fmt.Errorf("repository: PeekHints get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return c.defaultUsage(sessionID, stage), nil
	}
	usage, err := itemToHintUsage(out.Item, sessionID, stage)
	if err != nil {
		return domain.HintUsage{}, fmt.Errorf("repository: PeekHints decode: %w", err)
	}
	return usage, nil
}

// TryConsumeHint atomically marks one hint as used. It fails with
// domain.ErrHintsExhausted when no slot is free; the returned usage is then
// the state that caused the rejection.
func (c *Client) TryConsumeHint(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	return c.takeHint(ctx, sessionID, stage, 1, 0)
}

// ReserveHint atomically holds one hint slot for an in-flight turn. The slot
// is later either committed by CommitTurn or returned by ReleaseHint.
func (c *Client) ReserveHint(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	return c.takeHint(ctx, sessionID, stage, 0, 1)
}

func (c *Client) takeHint(ctx context.Context, sessionID string, stage, used, reserved int) (domain.HintUsage, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(sessionPK(sessionID), hintSK(stage)),
		UpdateExpression:    aws.String(takeHintUpdate),
		ConditionExpression: aws.String(takeHintCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":max":      numberValue(c.defaultMaxHints),
			":zero":     numberValue(0),
			":one":      numberValue(1),
			":used":     numberValue(used),
			":reserved": numberValue(reserved),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			usage := domain.HintUsage{SessionID: sessionID, Stage: stage}
			if len(ccf.Item) > 0 {
				if decoded, decErr := itemToHintUsage(ccf.Item, sessionID, stage); decErr == nil {
					usage = decoded
				}
			}
			return usage, fmt.Errorf("repository: session %q stage %d: %w", sessionID, stage, domain.ErrHintsExhausted)
		}
		return domain.HintUsage{}, fmt.Errorf("repository: take hint: %w", err)
	}
	usage, err := itemToHintUsage(out.Attributes, sessionID, stage)
	if err != nil {
		return domain.HintUsage{}, fmt.Errorf("repository: take hint decode: %w", err)
	}
	return usage, nil
}

// ReleaseHint returns a reservation taken by ReserveHint without marking it
// used.
func (c *Client) ReleaseHint(ctx context.Context, sessionID string, stage int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(sessionPK(sessionID), hintSK(stage)),
		UpdateExpression:    aws.String("SET hintsReserved = hintsReserved - :one, hintsHeld = hintsHeld - :one"),
		ConditionExpression: aws.String("hintsReserved >= :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numberValue(1),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: ReleaseHint: no reservation for session %q stage %d", sessionID, stage)
		}
		return fmt.Errorf("repository: ReleaseHint: %w", err)
	}
	return nil
}

func (c *Client) defaultUsage(sessionID string, stage int) domain.HintUsage {
	return domain.HintUsage{SessionID: sessionID, Stage: stage, Max: c.defaultMaxHints}
}
