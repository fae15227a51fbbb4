package dynamo

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient implements Client for unit testing: a tiny in-memory table
// instead of a generated mock. It dispatches on which
// ConditionExpression was sent rather than evaluating DynamoDB's expression
// language, since Gateway only ever sends one of three fixed expressions.
type fakeClient struct {
	rows        map[string]map[string]string
	tableActive bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{rows: map[string]map[string]string{}, tableActive: true}
}

func (f *fakeClient) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	status := types.TableStatusActive
	if !f.tableActive {
		status = types.TableStatusCreating
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: status}}, nil
}

func (f *fakeClient) CreateTable(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.tableActive = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := in.Key[attrShardId].(*types.AttributeValueMemberS).Value
	row, ok := f.rows[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	item := map[string]types.AttributeValue{}
	for k, v := range row {
		item[k] = &types.AttributeValueMemberS{Value: v}
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	key := in.Key[attrShardId].(*types.AttributeValueMemberS).Value
	row, exists := f.rows[key]

	cond := aws.ToString(in.ConditionExpression)
	vals := in.ExpressionAttributeValues

	switch {
	case cond == "attribute_not_exists("+attrShardId+") OR "+attrLastHeartbeat+" < :staleBefore":
		staleBefore := vals[":staleBefore"].(*types.AttributeValueMemberS).Value
		if exists {
			if hb, ok := row[attrLastHeartbeat]; !ok || hb >= staleBefore {
				return nil, conditionalCheckFailedErr()
			}
		} else {
			row = map[string]string{}
			f.rows[key] = row
		}
		row[attrWorkerId] = vals[":workerId"].(*types.AttributeValueMemberS).Value
		row[attrLastHeartbeat] = vals[":now"].(*types.AttributeValueMemberS).Value
		return &dynamodb.UpdateItemOutput{}, nil

	case cond == attrWorkerId+" = :workerId" && vals[":seq"] != nil:
		if !exists || row[attrWorkerId] != vals[":workerId"].(*types.AttributeValueMemberS).Value {
			return nil, conditionalCheckFailedErr()
		}
		row[attrLastCheckpoint] = vals[":seq"].(*types.AttributeValueMemberS).Value
		row[attrLastHeartbeat] = vals[":now"].(*types.AttributeValueMemberS).Value
		return &dynamodb.UpdateItemOutput{}, nil

	case cond == attrWorkerId+" = :workerId":
		if !exists || row[attrWorkerId] != vals[":workerId"].(*types.AttributeValueMemberS).Value {
			return nil, conditionalCheckFailedErr()
		}
		row[attrLastHeartbeat] = vals[":now"].(*types.AttributeValueMemberS).Value
		return &dynamodb.UpdateItemOutput{}, nil
	}

	return nil, conditionalCheckFailedErr()
}

func conditionalCheckFailedErr() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
}

// notFoundOnceClient wraps fakeClient to report ResourceNotFoundException on
// the first DescribeTable call, exercising EnsureTable's create-on-missing
// path.
type notFoundOnceClient struct {
	*fakeClient
	described bool
	created   bool
}

func (f *notFoundOnceClient) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if !f.described {
		f.described = true
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return f.fakeClient.DescribeTable(ctx, in, opts...)
}

func (f *notFoundOnceClient) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = true
	return f.fakeClient.CreateTable(ctx, in, opts...)
}
