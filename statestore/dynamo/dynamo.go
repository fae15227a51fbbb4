// Package dynamo implements the state-store gateway (statestore.Gateway)
// against DynamoDB: one table per application, one row per shard, hash key
// ShardId. This is the default backend: the table is created automatically
// on first run if it doesn't already exist.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithyerrors "github.com/aws/smithy-go"

	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/statestore"
)

// Row field names.
const (
	attrShardId        = "ShardId"
	attrWorkerId       = "WorkerId"
	attrLastHeartbeat  = "LastHeartbeat"
	attrLastCheckpoint = "LastCheckpoint"
)

// Client is the subset of *dynamodb.Client used by the gateway, narrowed so
// tests can supply a fake.
type Client interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Gateway implements statestore.Gateway backed by DynamoDB.
type Gateway struct {
	client      Client
	log         logger.Logger
	maxRetries  int
	backoffUnit time.Duration
}

// New creates a DynamoDB-backed state-store gateway.
func New(client Client, log logger.Logger, maxRetries int, backoffUnit time.Duration) *Gateway {
	return &Gateway{client: client, log: log, maxRetries: maxRetries, backoffUnit: backoffUnit}
}

var _ statestore.Gateway = (*Gateway)(nil)

func (g *Gateway) EnsureTable(ctx context.Context, appName kcl.AppName, readCap, writeCap int64, suffix string) (kcl.TableName, error) {
	tableName := string(appName) + suffix

	err := g.withRetry(ctx, "DescribeTable", func() error {
		_, derr := g.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
		return derr
	})
	if err == nil {
		return kcl.TableName(tableName), g.waitUntilActive(ctx, tableName)
	}

	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return "", fmt.Errorf("describe state table %q: %w", tableName, err)
	}

	g.log.Infof("State table %q not found, creating it", tableName)
	createErr := g.withRetry(ctx, "CreateTable", func() error {
		_, cerr := g.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(attrShardId), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrShardId), KeyType: types.KeyTypeHash},
			},
			ProvisionedThroughput: &types.ProvisionedThroughput{
				ReadCapacityUnits:  aws.Int64(readCap),
				WriteCapacityUnits: aws.Int64(writeCap),
			},
		})
		var inUse *types.ResourceInUseException
		if errors.As(cerr, &inUse) {
			return nil // another process created it concurrently
		}
		return cerr
	})
	if createErr != nil {
		return "", fmt.Errorf("create state table %q: %w", tableName, createErr)
	}

	if err := g.waitUntilActive(ctx, tableName); err != nil {
		return "", err
	}
	return kcl.TableName(tableName), nil
}

func (g *Gateway) waitUntilActive(ctx context.Context, tableName string) error {
	for {
		out, err := g.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
		if err != nil {
			return fmt.Errorf("describe state table %q while waiting for ACTIVE: %w", tableName, err)
		}
		if out.Table != nil && out.Table.TableStatus == types.TableStatusActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.backoffUnit):
		}
	}
}

func (g *Gateway) CreateShardRow(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, heartbeatTimeout time.Duration) error {
	now := time.Now().UTC()
	staleBefore := now.Add(-heartbeatTimeout).Format(time.RFC3339Nano)

	// Claim via UpdateItem, not PutItem: PutItem replaces the whole item and
	// would wipe LastCheckpoint when taking over a stale row, which would
	// then read back as ShardStatusNew and resume from TrimHorizon instead
	// of the previous checkpoint.
	err := g.withRetry(ctx, "UpdateItem(claim)", func() error {
		_, uerr := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(string(table)),
			Key: map[string]types.AttributeValue{
				attrShardId: &types.AttributeValueMemberS{Value: string(shardId)},
			},
			UpdateExpression: aws.String("SET " + attrWorkerId + " = :workerId, " + attrLastHeartbeat + " = :now"),
			ConditionExpression: aws.String(
				"attribute_not_exists(" + attrShardId + ") OR " + attrLastHeartbeat + " < :staleBefore",
			),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":workerId":    &types.AttributeValueMemberS{Value: string(workerId)},
				":now":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
				":staleBefore": &types.AttributeValueMemberS{Value: staleBefore},
			},
		})
		return uerr
	})
	if isConditionalCheckFailed(err) {
		return &statestore.ConditionalCheckFailed{ShardId: shardId, Reason: "row already owned by a live worker"}
	}
	if err != nil {
		return fmt.Errorf("create shard row %s: %w", shardId, err)
	}
	return nil
}

func (g *Gateway) ReadShardStatus(ctx context.Context, table kcl.TableName, shardId kcl.ShardId, workerId kcl.WorkerId, now time.Time, heartbeatTimeout time.Duration) (kcl.ShardStatus, error) {
	var out *dynamodb.GetItemOutput
	err := g.withRetry(ctx, "GetItem", func() error {
		var gerr error
		out, gerr = g.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(string(table)),
			Key: map[string]types.AttributeValue{
				attrShardId: &types.AttributeValueMemberS{Value: string(shardId)},
			},
			ConsistentRead: aws.Bool(true),
		})
		return gerr
	})
	if err != nil {
		return kcl.ShardStatus{}, fmt.Errorf("read shard status %s: %w", shardId, err)
	}
	if len(out.Item) == 0 {
		return kcl.ShardStatus{}, statestore.ErrRowNotFound
	}

	owner := kcl.WorkerId(stringAttr(out.Item, attrWorkerId))
	heartbeatStr := stringAttr(out.Item, attrLastHeartbeat)
	checkpoint := kcl.SequenceNumber(stringAttr(out.Item, attrLastCheckpoint))

	heartbeatAt, perr := time.Parse(time.RFC3339Nano, heartbeatStr)
	fresh := perr == nil && now.Sub(heartbeatAt) < heartbeatTimeout

	status := kcl.ShardStatus{WorkerId: owner, LastCheckpoint: checkpoint}
	switch {
	case checkpoint == "" && owner == workerId:
		status.Kind = kcl.ShardStatusNew
		status.CreatedAt = &heartbeatStr
	case fresh:
		status.Kind = kcl.ShardStatusProcessing
	default:
		status.Kind = kcl.ShardStatusNotProcessing
		status.HeartbeatAt = &heartbeatStr
	}
	return status, nil
}

func (g *Gateway) UpdateHeartbeat(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, now time.Time) error {
	err := g.withRetry(ctx, "UpdateItem(heartbeat)", func() error {
		_, uerr := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(string(table)),
			Key: map[string]types.AttributeValue{
				attrShardId: &types.AttributeValueMemberS{Value: string(shardId)},
			},
			UpdateExpression:    aws.String("SET " + attrLastHeartbeat + " = :now"),
			ConditionExpression: aws.String(attrWorkerId + " = :workerId"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now":      &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
				":workerId": &types.AttributeValueMemberS{Value: string(workerId)},
			},
		})
		return uerr
	})
	if isConditionalCheckFailed(err) {
		return &statestore.ConditionalCheckFailed{ShardId: shardId, Reason: "no longer the owner"}
	}
	if err != nil {
		return fmt.Errorf("update heartbeat %s: %w", shardId, err)
	}
	return nil
}

func (g *Gateway) UpdateCheckpoint(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, seq kcl.SequenceNumber, now time.Time) error {
	err := g.withRetry(ctx, "UpdateItem(checkpoint)", func() error {
		_, uerr := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(string(table)),
			Key: map[string]types.AttributeValue{
				attrShardId: &types.AttributeValueMemberS{Value: string(shardId)},
			},
			UpdateExpression:    aws.String("SET " + attrLastCheckpoint + " = :seq, " + attrLastHeartbeat + " = :now"),
			ConditionExpression: aws.String(attrWorkerId + " = :workerId"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":seq":      &types.AttributeValueMemberS{Value: string(seq)},
				":now":      &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
				":workerId": &types.AttributeValueMemberS{Value: string(workerId)},
			},
		})
		return uerr
	})
	if isConditionalCheckFailed(err) {
		return &statestore.ConditionalCheckFailed{ShardId: shardId, Reason: "no longer the owner"}
	}
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", shardId, err)
	}
	return nil
}

// withRetry retries transient errors up to maxRetries times with exponential
// backoff of backoffUnit. A ConditionalCheckFailedException is never
// retried — it surfaces to the caller immediately.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isConditionalCheckFailed(err) {
			return err
		}
		var nf *types.ResourceNotFoundException
		var inUse *types.ResourceInUseException
		if errors.As(err, &nf) || errors.As(err, &inUse) {
			return err
		}
		lastErr = err
		if attempt < g.maxRetries {
			g.log.Warnf("%s failed (attempt %d/%d): %v", op, attempt+1, g.maxRetries+1, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.backoffUnit * time.Duration(1<<attempt)):
			}
		}
	}
	return lastErr
}

func isConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithyerrors.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func stringAttr(item map[string]types.AttributeValue, key string) string {
	v, ok := item[key]
	if !ok {
		return ""
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}
