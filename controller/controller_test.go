package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardconsumer/kcl/config"
	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/metrics"
	"github.com/shardconsumer/kcl/statestore"
	"github.com/shardconsumer/kcl/stream"
)

type noopProcessor struct{}

func (noopProcessor) Process(kcl.Record) error { return nil }
func (noopProcessor) GetErrorHandlingMode(kcl.Record, error) kcl.ErrorHandlingMode {
	return kcl.RetryAndSkip(0)
}
func (noopProcessor) OnMaxRetryExceeded(kcl.Record, kcl.ErrorHandlingMode) {}

func testConfig() *config.Configuration {
	return config.NewConfiguration("testapp", "test-stream", "us-east-1", "worker-1").
		WithHeartbeat(20 * time.Millisecond).
		WithHeartbeatTimeout(200 * time.Millisecond).
		WithEmptyReceiveDelay(10 * time.Millisecond).
		WithTaskBackoffTime(5 * time.Millisecond).
		WithCheckStreamChangesFrequency(30 * time.Millisecond).
		WithShutdownGrace(200 * time.Millisecond).
		WithLogger(logger.Noop{})
}

func newTestController(t *testing.T, sGW *stream.Fake, stateGW *statestore.Fake, proc kcl.Processor) *Controller {
	t.Helper()
	cfg := testConfig()
	return New(cfg, sGW, stateGW, metrics.NoopMonitoringService{}, "testappKinesisState", "test-stream", "worker-1", proc)
}

// Reconciliation picks up shards present at startup without any explicit
// StartProcessing call.
func TestController_ReconcilesAtStartup(t *testing.T) {
	sGW := stream.NewFake()
	sGW.AddShard("shard-0", []kcl.Record{})
	sGW.AddShard("shard-1", []kcl.Record{})
	stateGW := statestore.NewFake()

	c := newTestController(t, sGW, stateGW, noopProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		snap := c.Inspect()
		return len(snap.ActiveShards) == 2
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	<-c.Done()
}

// A shard added to the stream topology after startup is picked up on the
// next reconciliation tick; a removed shard is stopped — using the removed
// set, not the added set.
func TestController_ReconcilesTopologyChange(t *testing.T) {
	sGW := stream.NewFake()
	sGW.AddShard("shard-0", []kcl.Record{})
	stateGW := statestore.NewFake()

	c := newTestController(t, sGW, stateGW, noopProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		snap := c.Inspect()
		return len(snap.ActiveShards) == 1
	}, time.Second, 5*time.Millisecond)

	sGW.AddShard("shard-1", []kcl.Record{})
	require.Eventually(t, func() bool {
		snap := c.Inspect()
		return len(snap.ActiveShards) == 2
	}, time.Second, 5*time.Millisecond)

	sGW.RemoveShard("shard-0")
	require.Eventually(t, func() bool {
		snap := c.Inspect()
		if len(snap.ActiveShards) != 1 {
			return false
		}
		return snap.ActiveShards[0] == kcl.ShardId("shard-1")
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	<-c.Done()
}

// StartProcessing/StopProcessing are idempotent.
func TestController_StartStopProcessingIdempotent(t *testing.T) {
	sGW := stream.NewFake()
	sGW.AddShard("shard-0", []kcl.Record{})
	stateGW := statestore.NewFake()

	c := newTestController(t, sGW, stateGW, noopProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	<-c.StartProcessing("shard-0")
	<-c.StartProcessing("shard-0") // already running: no-op, still succeeds

	snap := c.Inspect()
	assert.Len(t, snap.ActiveShards, 1)

	<-c.StopProcessing("shard-0")
	<-c.StopProcessing("shard-0") // already stopped: no-op, still succeeds

	snap = c.Inspect()
	assert.Len(t, snap.ActiveShards, 0)

	c.Stop()
	<-c.Done()
}

// ChangeProcessor is applied and acknowledged while a worker is live.
func TestController_ChangeProcessor(t *testing.T) {
	sGW := stream.NewFake()
	sGW.AddShard("shard-0", []kcl.Record{})
	stateGW := statestore.NewFake()
	first := noopProcessor{}

	c := newTestController(t, sGW, stateGW, first)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return len(c.Inspect().ActiveShards) == 1
	}, time.Second, 5*time.Millisecond)

	second := noopProcessor{}
	<-c.ChangeProcessor(second)

	c.Stop()
	<-c.Done()
}

// Stop tears down every active worker within the shutdown grace period.
func TestController_StopShutsDownWorkers(t *testing.T) {
	sGW := stream.NewFake()
	sGW.AddShard("shard-0", []kcl.Record{})
	sGW.AddShard("shard-1", []kcl.Record{})
	stateGW := statestore.NewFake()

	c := newTestController(t, sGW, stateGW, noopProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return len(c.Inspect().ActiveShards) == 2
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not shut down")
	}
}
