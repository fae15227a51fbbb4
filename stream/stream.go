// Package stream implements the stream gateway: a thin semantic wrapper
// over Amazon Kinesis. shardworker and controller depend only on the
// Gateway interface; kinesis.go supplies the AWS-backed implementation and
// fake.go a deterministic test double.
package stream

import (
	"context"
	"time"

	kcl "github.com/shardconsumer/kcl/interfaces"
)

// Gateway is the stream gateway interface.
type Gateway interface {
	// ListShards lists every shard of the stream in an unspecified but
	// stable order. Never retried by the caller; internally retried up to
	// MaxStreamRetries with backoff.
	ListShards(ctx context.Context, stream kcl.StreamName) ([]kcl.ShardId, error)

	// GetIterator returns an opaque token positioned per pos.
	GetIterator(ctx context.Context, stream kcl.StreamName, shardId kcl.ShardId, pos kcl.IteratorPosition) (string, error)

	// GetRecords fetches the next batch for a token previously returned by
	// GetIterator or a prior GetRecords call. The returned Batch.NextToken
	// is the only legal continuation; nil means the shard is closed.
	GetRecords(ctx context.Context, token string, limit int32) (kcl.Batch, error)
}

// retryConfig bundles the two knobs every Gateway implementation's internal
// retry loop needs.
type retryConfig struct {
	maxRetries  int
	backoffUnit time.Duration
}
