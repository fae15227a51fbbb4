package dynamo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/statestore"
)

func newTestGateway() (*Gateway, *fakeClient) {
	fc := newFakeClient()
	return New(fc, logger.Noop{}, 2, time.Millisecond), fc
}

func TestCreateShardRow_FreshRow(t *testing.T) {
	g, fc := newTestGateway()
	require.NoError(t, g.CreateShardRow(context.Background(), "t", "worker-1", "shard-001", time.Minute))
	assert.Equal(t, "worker-1", fc.rows["shard-001"][attrWorkerId])
}

func TestCreateShardRow_OwnedAndFresh_Fails(t *testing.T) {
	g, _ := newTestGateway()
	ctx := context.Background()

	require.NoError(t, g.CreateShardRow(ctx, "t", "worker-1", "shard-001", time.Minute))
	err := g.CreateShardRow(ctx, "t", "worker-2", "shard-001", time.Minute)
	require.Error(t, err)
	assert.True(t, statestore.IsConditionalCheckFailed(err))
}

// TestCreateShardRow_StaleTakeover_PreservesCheckpoint is the S6 regression:
// claiming a stale row must not wipe LastCheckpoint, or the next
// ReadShardStatus would misclassify the row as ShardStatusNew and the worker
// would resume from TrimHorizon instead of the previous checkpoint.
func TestCreateShardRow_StaleTakeover_PreservesCheckpoint(t *testing.T) {
	g, fc := newTestGateway()
	ctx := context.Background()

	fc.rows["shard-001"] = map[string]string{
		attrWorkerId:       "worker-1",
		attrLastHeartbeat:  time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano),
		attrLastCheckpoint: "42",
	}

	err := g.CreateShardRow(ctx, "t", "worker-2", "shard-001", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", fc.rows["shard-001"][attrWorkerId])
	assert.Equal(t, "42", fc.rows["shard-001"][attrLastCheckpoint], "stale takeover must not wipe the prior checkpoint")

	status, err := g.ReadShardStatus(ctx, "t", "shard-001", "worker-2", time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, kcl.ShardStatusProcessing, status.Kind, "a preserved checkpoint must read back as Processing, not New")
	assert.Equal(t, kcl.SequenceNumber("42"), status.LastCheckpoint)
}

func TestReadShardStatus_RowMissing(t *testing.T) {
	g, _ := newTestGateway()
	_, err := g.ReadShardStatus(context.Background(), "t", "shard-001", "worker-1", time.Now(), time.Minute)
	require.ErrorIs(t, err, statestore.ErrRowNotFound)
}

func TestReadShardStatus_New(t *testing.T) {
	g, fc := newTestGateway()
	now := time.Now().UTC()
	fc.rows["shard-001"] = map[string]string{
		attrWorkerId:      "worker-1",
		attrLastHeartbeat: now.Format(time.RFC3339Nano),
	}

	status, err := g.ReadShardStatus(context.Background(), "t", "shard-001", "worker-1", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, kcl.ShardStatusNew, status.Kind)
}

func TestReadShardStatus_NotProcessing(t *testing.T) {
	g, fc := newTestGateway()
	now := time.Now().UTC()
	fc.rows["shard-001"] = map[string]string{
		attrWorkerId:       "worker-1",
		attrLastHeartbeat:  now.Add(-time.Hour).Format(time.RFC3339Nano),
		attrLastCheckpoint: "7",
	}

	status, err := g.ReadShardStatus(context.Background(), "t", "shard-001", "worker-2", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, kcl.ShardStatusNotProcessing, status.Kind)
}

func TestUpdateHeartbeat_OwnerMismatch(t *testing.T) {
	g, fc := newTestGateway()
	fc.rows["shard-001"] = map[string]string{attrWorkerId: "worker-1"}

	err := g.UpdateHeartbeat(context.Background(), "t", "worker-2", "shard-001", time.Now())
	require.Error(t, err)
	assert.True(t, statestore.IsConditionalCheckFailed(err))
}

func TestUpdateCheckpoint_Monotonic(t *testing.T) {
	g, fc := newTestGateway()
	fc.rows["shard-001"] = map[string]string{attrWorkerId: "worker-1"}

	require.NoError(t, g.UpdateCheckpoint(context.Background(), "t", "worker-1", "shard-001", "1", time.Now()))
	require.NoError(t, g.UpdateCheckpoint(context.Background(), "t", "worker-1", "shard-001", "2", time.Now()))
	assert.Equal(t, "2", fc.rows["shard-001"][attrLastCheckpoint])
}

func TestUpdateCheckpoint_OwnerMismatch(t *testing.T) {
	g, fc := newTestGateway()
	fc.rows["shard-001"] = map[string]string{attrWorkerId: "worker-1"}

	err := g.UpdateCheckpoint(context.Background(), "t", "worker-2", "shard-001", "1", time.Now())
	require.Error(t, err)
	assert.True(t, statestore.IsConditionalCheckFailed(err))
}

func TestEnsureTable_CreatesWhenMissing(t *testing.T) {
	_, fc := newTestGateway()
	fc.tableActive = false

	// Simulate "not found" on first DescribeTable by swapping in a client
	// that reports NotFound once, then creates and activates the table.
	nf := &notFoundOnceClient{fakeClient: fc}
	g2 := New(nf, logger.Noop{}, 2, time.Millisecond)

	table, err := g2.EnsureTable(context.Background(), "myapp", 5, 5, "KinesisState")
	require.NoError(t, err)
	assert.Equal(t, kcl.TableName("myappKinesisState"), table)
	assert.True(t, nf.created)
}
