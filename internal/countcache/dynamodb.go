package countcache

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client the counter store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDBStore reads the per-owner counter table. The table is written by
// the fleet state-change notification handler, not by this process.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
}

func NewDynamoDBStore(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table}
}

type counterItem struct {
	Count     int   `dynamodbav:"count"`
	UpdatedAt int64 `dynamodbav:"updated_at"` // epoch seconds
}

func (s *DynamoDBStore) Get(ctx context.Context, key string) (CounterEntry, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"owner_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return CounterEntry{}, false, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return CounterEntry{}, false, nil
	}

	var item counterItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return CounterEntry{}, false, fmt.Errorf("failed to decode counter %s: %w", key, err)
	}
	return CounterEntry{
		Count:     item.Count,
		UpdatedAt: time.Unix(item.UpdatedAt, 0),
	}, true, nil
}
