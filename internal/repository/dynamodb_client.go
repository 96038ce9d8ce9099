package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"installment-advisor/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	batchDeleteSize = 25 // DynamoDB BatchWriteItem limit
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// HistoryStore defines the conversation history operations consumed by the
// session core.
type HistoryStore interface {
	AppendMessage(ctx context.Context, userID, threadID, role, content string) error
	SaveExchange(ctx context.Context, userID, threadID, userText, assistantText string) error
	GetHistory(ctx context.Context, userID, threadID string) ([]domain.HistoryMessage, error)
	DeleteAll(ctx context.Context, userID, threadID string) (bool, error)
}

// Client wraps a DynamoDB table holding per-user, per-thread message logs.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// threadPK returns the partition key for one (user, thread) history partition.
func threadPK(userID, threadID string) string {
	return "USER#" + userID + "#THREAD#" + threadID
}

// msgSK returns a message sort key. seq disambiguates messages written in the
// same transaction so the user turn always sorts before the assistant turn.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%02d", skPrefixMsg, ts.UTC().Format(time.RFC3339Nano), seq)
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// AppendMessage persists a single message at the end of the partition's log.
func (c *Client) AppendMessage(ctx context.Context, userID, threadID, role, content string) error {
	if userID == "" || threadID == "" {
		return errors.New("repository: AppendMessage: userID and threadID are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(userID, threadID, role, content, time.Now(), 0),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// SaveExchange writes the user message, the assistant message, and refreshed
// thread metadata in one transaction. The user message sorts strictly before
// the assistant message.
func (c *Client) SaveExchange(ctx context.Context, userID, threadID, userText, assistantText string) error {
	if userID == "" || threadID == "" {
		return errors.New("repository: SaveExchange: userID and threadID are required")
	}

	now := time.Now()
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(userID, threadID, domain.RoleUser, userText, now, 0),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(userID, threadID, domain.RoleAssistant, assistantText, now, 1),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      metaItem(userID, threadID, now),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

// GetHistory returns every MSG# item for the partition in insertion order,
// following pagination until the log is exhausted.
func (c *Client) GetHistory(ctx context.Context, userID, threadID string) ([]domain.HistoryMessage, error) {
	pk := threadPK(userID, threadID)

	var msgs []domain.HistoryMessage
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

// DeleteAll removes every item (messages and metadata) in the partition.
// It reports false when the partition held no items at all.
func (c *Client) DeleteAll(ctx context.Context, userID, threadID string) (bool, error) {
	pk := threadPK(userID, threadID)

	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return false, fmt.Errorf("repository: DeleteAll query: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{
				"PK": item["PK"],
				"SK": item["SK"],
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	if len(keys) == 0 {
		return false, nil
	}

	for start := 0; start < len(keys); start += batchDeleteSize {
		end := start + batchDeleteSize
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}
		_, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: requests},
		})
		if err != nil {
			return false, fmt.Errorf("repository: DeleteAll batch delete: %w", err)
		}
	}
	return true, nil
}

// messageItem builds the DynamoDB attribute map for one message record.
func messageItem(userID, threadID, role, content string, ts time.Time, seq int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: threadPK(userID, threadID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(ts, seq)},
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"threadId":  &types.AttributeValueMemberS{Value: threadID},
		"role":      &types.AttributeValueMemberS{Value: role},
		"content":   &types.AttributeValueMemberS{Value: content},
		"createdAt": &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}
}

// metaItem builds the thread metadata record refreshed on every saved exchange.
func metaItem(userID, threadID string, ts time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: threadPK(userID, threadID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"userId":       &types.AttributeValueMemberS{Value: userID},
		"threadId":     &types.AttributeValueMemberS{Value: threadID},
		"lastActivity": &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339)},
		"ttl":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}
}

// itemToMessage converts a DynamoDB attribute map to a HistoryMessage.
func itemToMessage(item map[string]types.AttributeValue) (domain.HistoryMessage, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.HistoryMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.HistoryMessage{}, err
	}
	return domain.HistoryMessage{Role: role, Content: content}, nil
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
