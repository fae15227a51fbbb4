package kcl

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/shardconsumer/kcl/config"
	"github.com/shardconsumer/kcl/controller"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/registry"
	"github.com/shardconsumer/kcl/statestore"
	"github.com/shardconsumer/kcl/statestore/dynamo"
	"github.com/shardconsumer/kcl/stream"
)

// App is the handle returned by CreateApp. It owns the application
// controller and, on disposal, releases the registry slot for its AppName.
type App struct {
	appName AppName
	reg     *registry.Registry
	ctrl    *controller.Controller
	log     logger.Logger

	cancel context.CancelFunc

	disposeOnce sync.Once
	disposed    bool
	disposedMu  sync.Mutex
}

// CreateApp wires a stream gateway, a state-store gateway, and an
// application controller together and begins processing immediately.
// credentials may be nil to use the AWS SDK's default credential chain.
// config may be nil to use every default.
func CreateApp(
	credentials aws.CredentialsProvider,
	region string,
	appName AppName,
	streamName StreamName,
	workerId WorkerId,
	processor Processor,
	cfg *config.Configuration,
) (*App, error) {
	if cfg == nil {
		cfg = config.NewConfiguration(string(appName), string(streamName), region, string(workerId))
	}

	if err := registry.Default().Insert(appName, streamName); err != nil {
		return nil, err
	}

	app, err := createApp(credentials, region, appName, streamName, WorkerId(cfg.WorkerId), processor, cfg, registry.Default())
	if err != nil {
		registry.Default().Remove(appName)
		return nil, err
	}
	return app, nil
}

func createApp(
	credentials aws.CredentialsProvider,
	region string,
	appName AppName,
	streamName StreamName,
	workerId WorkerId,
	processor Processor,
	cfg *config.Configuration,
	reg *registry.Registry,
) (*App, error) {
	ctx := context.Background()

	streamGW, awsCfg, err := newKinesisStreamGateway(ctx, credentials, region, cfg)
	if err != nil {
		return nil, err
	}
	stateGW := dynamo.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Logger, cfg.MaxStateStoreRetries, cfg.TaskBackoffTime)

	table, err := stateGW.EnsureTable(ctx, appName, cfg.StateStoreReadCapacity, cfg.StateStoreWriteCapacity, cfg.TableSuffix)
	if err != nil {
		return nil, &InitializationFailed{Cause: fmt.Errorf("ensure state table: %w", err)}
	}

	return newAppWithGateways(appName, streamName, workerId, table, processor, cfg, streamGW, stateGW, reg)
}

// CreateAppWithStateStore is CreateApp with a caller-supplied state-store
// gateway (e.g. statestore/redisstore.Gateway) in place of the default
// DynamoDB backend. The stream gateway is still Kinesis, resolved from the
// same AWS config.
func CreateAppWithStateStore(
	credentials aws.CredentialsProvider,
	region string,
	appName AppName,
	streamName StreamName,
	workerId WorkerId,
	processor Processor,
	cfg *config.Configuration,
	stateGW statestore.Gateway,
) (*App, error) {
	if cfg == nil {
		cfg = config.NewConfiguration(string(appName), string(streamName), region, string(workerId))
	}

	if err := registry.Default().Insert(appName, streamName); err != nil {
		return nil, err
	}

	ctx := context.Background()
	streamGW, _, err := newKinesisStreamGateway(ctx, credentials, region, cfg)
	if err != nil {
		registry.Default().Remove(appName)
		return nil, err
	}

	table, err := stateGW.EnsureTable(ctx, appName, cfg.StateStoreReadCapacity, cfg.StateStoreWriteCapacity, cfg.TableSuffix)
	if err != nil {
		registry.Default().Remove(appName)
		return nil, &InitializationFailed{Cause: fmt.Errorf("ensure state table: %w", err)}
	}

	app, err := newAppWithGateways(appName, streamName, WorkerId(cfg.WorkerId), table, processor, cfg, streamGW, stateGW, registry.Default())
	if err != nil {
		registry.Default().Remove(appName)
		return nil, err
	}
	return app, nil
}

func newKinesisStreamGateway(ctx context.Context, credentials aws.CredentialsProvider, region string, cfg *config.Configuration) (stream.Gateway, aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if credentials != nil {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, aws.Config{}, &InitializationFailed{Cause: fmt.Errorf("load aws config: %w", err)}
	}
	streamGW := stream.NewKinesisGateway(awskinesis.NewFromConfig(awsCfg), cfg.Logger, cfg.MaxStreamRetries, cfg.TaskBackoffTime)
	return streamGW, awsCfg, nil
}

// newAppWithGateways builds an App around already-constructed gateways,
// letting tests (and alternative backends, e.g. redisstore) bypass AWS SDK
// config resolution entirely.
func newAppWithGateways(
	appName AppName,
	streamName StreamName,
	workerId WorkerId,
	table TableName,
	processor Processor,
	cfg *config.Configuration,
	streamGW stream.Gateway,
	stateGW statestore.Gateway,
	reg *registry.Registry,
) (*App, error) {
	ctrl := controller.New(cfg, streamGW, stateGW, cfg.Monitoring, table, streamName, workerId, processor)

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)

	app := &App{appName: appName, reg: reg, ctrl: ctrl, log: cfg.Logger, cancel: cancel}
	runtime.SetFinalizer(app, finalizeApp)
	return app, nil
}

// finalizeApp is a safety net: an App a caller forgot to Dispose still
// releases its controller and registry slot when collected, with a warning
// since this should not happen in correct usage.
func finalizeApp(a *App) {
	a.disposedMu.Lock()
	disposed := a.disposed
	a.disposedMu.Unlock()
	if disposed {
		return
	}
	a.log.Warnf("app %q was garbage-collected without Dispose being called", a.appName)
	a.Dispose()
}

// StartProcessing enqueues starting a worker for shardId and returns a
// future that completes once applied.
func (a *App) StartProcessing(shardId ShardId) <-chan struct{} {
	return a.ctrl.StartProcessing(shardId)
}

// StopProcessing enqueues stopping shardId's worker and returns a future
// that completes once applied.
func (a *App) StopProcessing(shardId ShardId) <-chan struct{} {
	return a.ctrl.StopProcessing(shardId)
}

// ChangeProcessor hot-swaps the processor used by every current and future
// worker. Takes effect on the next record delivered to each shard.
func (a *App) ChangeProcessor(processor Processor) <-chan struct{} {
	return a.ctrl.ChangeProcessor(processor)
}

// Dispose cancels the controller's reconciliation loop, stops every worker,
// waits up to the configured shutdown grace period for them to finish, and
// releases the app's registry slot. Safe to call more than once.
func (a *App) Dispose() {
	a.disposeOnce.Do(func() {
		a.disposedMu.Lock()
		a.disposed = true
		a.disposedMu.Unlock()

		a.ctrl.Stop()
		// The controller already bounds each worker's graceful stop by
		// ShutdownGrace internally; this is just a hard backstop in case
		// the controller's own goroutine is somehow stuck.
		select {
		case <-a.ctrl.Done():
		case <-time.After(time.Minute):
			a.log.Warnf("app %q: controller did not shut down within the backstop timeout", a.appName)
		}
		a.cancel()
		a.reg.Remove(a.appName)
		runtime.SetFinalizer(a, nil)
	})
}
