package stream

import (
	"context"
	"fmt"
	"time"

	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
)

// Client is the subset of *kinesis.Client used by the gateway, narrowed so
// tests can supply a fake.
type Client interface {
	ListShards(ctx context.Context, in *awskinesis.ListShardsInput, opts ...func(*awskinesis.Options)) (*awskinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, in *awskinesis.GetShardIteratorInput, opts ...func(*awskinesis.Options)) (*awskinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *awskinesis.GetRecordsInput, opts ...func(*awskinesis.Options)) (*awskinesis.GetRecordsOutput, error)
}

// KinesisGateway implements Gateway backed by Amazon Kinesis.
type KinesisGateway struct {
	client Client
	log    logger.Logger
	retry  retryConfig
}

// NewKinesisGateway creates a Kinesis-backed stream gateway.
func NewKinesisGateway(client Client, log logger.Logger, maxRetries int, backoffUnit time.Duration) *KinesisGateway {
	return &KinesisGateway{client: client, log: log, retry: retryConfig{maxRetries: maxRetries, backoffUnit: backoffUnit}}
}

var _ Gateway = (*KinesisGateway)(nil)

func (g *KinesisGateway) ListShards(ctx context.Context, stream kcl.StreamName) ([]kcl.ShardId, error) {
	var shardIds []kcl.ShardId
	var nextToken *string

	for {
		var out *awskinesis.ListShardsOutput
		err := g.withRetry(ctx, "ListShards", func() error {
			var lerr error
			in := &awskinesis.ListShardsInput{}
			if nextToken != nil {
				in.NextToken = nextToken
			} else {
				name := string(stream)
				in.StreamName = &name
			}
			out, lerr = g.client.ListShards(ctx, in)
			return lerr
		})
		if err != nil {
			return nil, fmt.Errorf("list shards for %s: %w", stream, err)
		}

		for _, s := range out.Shards {
			if s.ShardId != nil {
				shardIds = append(shardIds, kcl.ShardId(*s.ShardId))
			}
		}

		if out.NextToken == nil {
			return shardIds, nil
		}
		nextToken = out.NextToken
	}
}

func (g *KinesisGateway) GetIterator(ctx context.Context, stream kcl.StreamName, shardId kcl.ShardId, pos kcl.IteratorPosition) (string, error) {
	in := &awskinesis.GetShardIteratorInput{
		StreamName: strPtr(string(stream)),
		ShardId:    strPtr(string(shardId)),
	}

	switch {
	case pos.IsTrimHorizon():
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case pos.IsAtSequenceNumber():
		in.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		in.StartingSequenceNumber = strPtr(string(pos.SequenceNumber()))
	case pos.IsAfterSequenceNumber():
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = strPtr(string(pos.SequenceNumber()))
	case pos.IsContinuationToken():
		// A continuation token from a prior GetRecords call IS the shard
		// iterator already; no GetShardIterator round-trip is needed.
		return pos.Token(), nil
	default:
		return "", fmt.Errorf("unset iterator position for shard %s", shardId)
	}

	var out *awskinesis.GetShardIteratorOutput
	err := g.withRetry(ctx, "GetShardIterator", func() error {
		var gerr error
		out, gerr = g.client.GetShardIterator(ctx, in)
		return gerr
	})
	if err != nil {
		return "", fmt.Errorf("get shard iterator for %s/%s: %w", stream, shardId, err)
	}
	if out.ShardIterator == nil {
		return "", fmt.Errorf("get shard iterator for %s/%s: empty iterator returned", stream, shardId)
	}
	return *out.ShardIterator, nil
}

func (g *KinesisGateway) GetRecords(ctx context.Context, token string, limit int32) (kcl.Batch, error) {
	var out *awskinesis.GetRecordsOutput
	err := g.withRetry(ctx, "GetRecords", func() error {
		var gerr error
		out, gerr = g.client.GetRecords(ctx, &awskinesis.GetRecordsInput{
			ShardIterator: &token,
			Limit:         &limit,
		})
		return gerr
	})
	if err != nil {
		return kcl.Batch{}, fmt.Errorf("get records: %w", err)
	}

	batch := kcl.Batch{NextToken: out.NextShardIterator}
	for _, r := range out.Records {
		rec := kcl.Record{Data: r.Data}
		if r.PartitionKey != nil {
			rec.PartitionKey = *r.PartitionKey
		}
		if r.SequenceNumber != nil {
			rec.SequenceNumber = kcl.SequenceNumber(*r.SequenceNumber)
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func (g *KinesisGateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.retry.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < g.retry.maxRetries {
			g.log.Warnf("%s failed (attempt %d/%d): %v", op, attempt+1, g.retry.maxRetries+1, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.retry.backoffUnit * time.Duration(1<<attempt)):
			}
		}
	}
	return lastErr
}

func strPtr(s string) *string { return &s }
