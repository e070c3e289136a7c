package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrSnapshotExists is returned when a snapshot for the same history
// and generation has already been registered.
var ErrSnapshotExists = errors.New("s3: snapshot already registered")

// DDBClient is the subset of the DynamoDB API the registry uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Snapshot is a registered export.
type Snapshot struct {
	HistoryUUID string
	Generation  int64
	MaxSeqNo    int64
	ExportedAt  time.Time
}

// ExportRegistry records completed exports in a DynamoDB table so that
// restore can find the newest snapshot of a history without listing
// the object store.
//
// Table schema:
//   - Partition key: history_uuid (string)
//   - Sort key: generation (number)
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name docengine-snapshots \
//	  --attribute-definitions AttributeName=history_uuid,AttributeType=S AttributeName=generation,AttributeType=N \
//	  --key-schema AttributeName=history_uuid,KeyType=HASH AttributeName=generation,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type ExportRegistry struct {
	client    DDBClient
	tableName string
}

// NewExportRegistry creates a registry backed by the given table.
func NewExportRegistry(client DDBClient, tableName string) *ExportRegistry {
	return &ExportRegistry{
		client:    client,
		tableName: tableName,
	}
}

// Register records a completed snapshot. A conditional write rejects a
// second registration of the same generation.
func (r *ExportRegistry) Register(ctx context.Context, snap Snapshot) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"history_uuid": &types.AttributeValueMemberS{Value: snap.HistoryUUID},
			"generation":   &types.AttributeValueMemberN{Value: strconv.FormatInt(snap.Generation, 10)},
			"max_seq_no":   &types.AttributeValueMemberN{Value: strconv.FormatInt(snap.MaxSeqNo, 10)},
			"exported_at":  &types.AttributeValueMemberS{Value: snap.ExportedAt.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(generation)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrSnapshotExists
		}
		return fmt.Errorf("s3: registering snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest registered snapshot of a history, or false
// when none exists.
func (r *ExportRegistry) Latest(ctx context.Context, historyUUID string) (Snapshot, bool, error) {
	resp, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("history_uuid = :h"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: historyUUID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("s3: querying snapshots: %w", err)
	}
	if len(resp.Items) == 0 {
		return Snapshot{}, false, nil
	}

	snap, err := snapshotFromItem(historyUUID, resp.Items[0])
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// List returns all registered snapshots of a history, oldest first.
func (r *ExportRegistry) List(ctx context.Context, historyUUID string) ([]Snapshot, error) {
	var snaps []Snapshot
	var startKey map[string]types.AttributeValue

	for {
		resp, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("history_uuid = :h"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":h": &types.AttributeValueMemberS{Value: historyUUID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: querying snapshots: %w", err)
		}
		for _, item := range resp.Items {
			snap, err := snapshotFromItem(historyUUID, item)
			if err != nil {
				return nil, err
			}
			snaps = append(snaps, snap)
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	return snaps, nil
}

// Deregister removes a snapshot record. Removing a missing record is
// not an error.
func (r *ExportRegistry) Deregister(ctx context.Context, historyUUID string, generation int64) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"history_uuid": &types.AttributeValueMemberS{Value: historyUUID},
			"generation":   &types.AttributeValueMemberN{Value: strconv.FormatInt(generation, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("s3: deregistering snapshot: %w", err)
	}
	return nil
}

func snapshotFromItem(historyUUID string, item map[string]types.AttributeValue) (Snapshot, error) {
	snap := Snapshot{HistoryUUID: historyUUID}

	gen, ok := item["generation"].(*types.AttributeValueMemberN)
	if !ok {
		return Snapshot{}, errors.New("s3: snapshot item missing generation")
	}
	v, err := strconv.ParseInt(gen.Value, 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("s3: parsing generation: %w", err)
	}
	snap.Generation = v

	if max, ok := item["max_seq_no"].(*types.AttributeValueMemberN); ok {
		if v, err := strconv.ParseInt(max.Value, 10, 64); err == nil {
			snap.MaxSeqNo = v
		}
	}
	if at, ok := item["exported_at"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, at.Value); err == nil {
			snap.ExportedAt = t
		}
	}
	return snap, nil
}
