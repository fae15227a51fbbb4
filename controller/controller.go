// Package controller implements the application controller: it owns the
// set of per-shard workers, starts and stops them on request, and
// periodically reconciles the shard topology against the stream.
//
// All mutation of knownShards/workers happens on a single goroutine that
// drains a message queue (Run), so neither map needs a lock. External
// callers only ever enqueue messages and wait on the returned future —
// mirroring goka's partition-processor supervision, where a single
// rebalance loop owns partition lifecycle and callers signal it rather than
// touching its state directly.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/shardconsumer/kcl/config"
	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/metrics"
	"github.com/shardconsumer/kcl/shardworker"
	"github.com/shardconsumer/kcl/statestore"
	"github.com/shardconsumer/kcl/stream"
)

type msgKind int

const (
	msgStartWorker msgKind = iota
	msgStopWorker
	msgAddKnownShard
	msgRemoveKnownShard
	msgSetProcessor
	msgSnapshot
)

type message struct {
	kind      msgKind
	shardId   kcl.ShardId
	processor kcl.Processor
	resultCh  chan Snapshot
	done      chan struct{}
}

// Snapshot is a consistent point-in-time view of the controller's state,
// returned by Inspect for diagnostics and tests.
type Snapshot struct {
	KnownShards []kcl.ShardId
	ActiveShards []kcl.ShardId
}

type workerEntry struct {
	worker *shardworker.Worker
	cancel context.CancelFunc
}

// Controller owns every shard worker for one application.
type Controller struct {
	cfg        *config.Configuration
	log        logger.Logger
	streamGW   stream.Gateway
	stateGW    statestore.Gateway
	mon        metrics.MonitoringService
	table      kcl.TableName
	streamName kcl.StreamName
	workerId   kcl.WorkerId

	msgCh    chan message
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	// Touched only by the Run goroutine.
	knownShards map[kcl.ShardId]struct{}
	workers     map[kcl.ShardId]*workerEntry
	processor   kcl.Processor
}

// New creates a Controller. Call Run in its own goroutine to start it.
func New(
	cfg *config.Configuration,
	streamGW stream.Gateway,
	stateGW statestore.Gateway,
	mon metrics.MonitoringService,
	table kcl.TableName,
	streamName kcl.StreamName,
	workerId kcl.WorkerId,
	processor kcl.Processor,
) *Controller {
	return &Controller{
		cfg:         cfg,
		log:         cfg.Logger,
		streamGW:    streamGW,
		stateGW:     stateGW,
		mon:         mon,
		table:       table,
		streamName:  streamName,
		workerId:    workerId,
		msgCh:       make(chan message),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		knownShards: make(map[kcl.ShardId]struct{}),
		workers:     make(map[kcl.ShardId]*workerEntry),
		processor:   processor,
	}
}

// StartProcessing enqueues a StartWorker message for shardId and returns a
// future that completes once applied. Idempotent if the worker is already
// running.
func (c *Controller) StartProcessing(shardId kcl.ShardId) <-chan struct{} {
	return c.enqueue(message{kind: msgStartWorker, shardId: shardId})
}

// StopProcessing enqueues a StopWorker message for shardId. Idempotent if
// no worker is running for shardId.
func (c *Controller) StopProcessing(shardId kcl.ShardId) <-chan struct{} {
	return c.enqueue(message{kind: msgStopWorker, shardId: shardId})
}

// ChangeProcessor hot-swaps the processor used by every current and future
// worker. Takes effect on the next record delivered by each worker.
func (c *Controller) ChangeProcessor(p kcl.Processor) <-chan struct{} {
	return c.enqueue(message{kind: msgSetProcessor, processor: p})
}

// Inspect returns a consistent snapshot of knownShards/active workers,
// computed on the Run goroutine.
func (c *Controller) Inspect() Snapshot {
	resultCh := make(chan Snapshot, 1)
	msg := message{kind: msgSnapshot, resultCh: resultCh}
	done := c.enqueue(msg)
	select {
	case <-done:
	case <-c.stopCh:
		return Snapshot{}
	}
	select {
	case s := <-resultCh:
		return s
	default:
		return Snapshot{}
	}
}

func (c *Controller) enqueue(msg message) <-chan struct{} {
	done := make(chan struct{})
	msg.done = done
	select {
	case c.msgCh <- msg:
	case <-c.stopCh:
		close(done)
	}
	return done
}

// Stop requests the controller to stop every worker and dispose. Stop
// returns immediately; wait on Done for shutdown to complete.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done returns a channel closed once Run has shut down every worker and
// returned.
func (c *Controller) Done() <-chan struct{} { return c.doneCh }

// Run drives the controller's message queue and periodic reconciliation
// until ctx is canceled or Stop is called. It blocks; call it in its own
// goroutine.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)

	if err := c.mon.Init(c.cfg.AppName, string(c.streamName), string(c.workerId)); err != nil {
		c.log.Warnf("controller: monitoring init: %v", err)
	} else if err := c.mon.Start(); err != nil {
		c.log.Warnf("controller: monitoring start: %v", err)
	}
	defer c.mon.Shutdown()

	c.reconcile(ctx)

	ticker := time.NewTicker(c.cfg.CheckStreamChangesFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdownAllWorkers()
			return
		case <-c.stopCh:
			c.shutdownAllWorkers()
			return
		case msg := <-c.msgCh:
			c.apply(ctx, msg)
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

func (c *Controller) apply(ctx context.Context, msg message) {
	switch msg.kind {
	case msgStartWorker:
		c.handleStartWorker(ctx, msg.shardId)
	case msgStopWorker:
		c.handleStopWorker(msg.shardId)
	case msgAddKnownShard:
		c.knownShards[msg.shardId] = struct{}{}
	case msgRemoveKnownShard:
		delete(c.knownShards, msg.shardId)
	case msgSetProcessor:
		c.handleSetProcessor(msg.processor)
	case msgSnapshot:
		msg.resultCh <- c.snapshot()
	}
	if msg.done != nil {
		close(msg.done)
	}
}

// reconcile lists the current shard topology, diffs it against
// knownShards, and applies AddKnownShard+StartWorker for additions and
// RemoveKnownShard+StopWorker for removals.
func (c *Controller) reconcile(ctx context.Context) {
	current, err := c.streamGW.ListShards(ctx, c.streamName)
	if err != nil {
		c.log.Warnf("controller: listShards: %v (will retry next cycle)", err)
		return
	}

	currentSet := make(map[kcl.ShardId]struct{}, len(current))
	for _, s := range current {
		currentSet[s] = struct{}{}
	}

	var added, removed []kcl.ShardId
	for s := range currentSet {
		if _, known := c.knownShards[s]; !known {
			added = append(added, s)
		}
	}
	for s := range c.knownShards {
		if _, present := currentSet[s]; !present {
			removed = append(removed, s)
		}
	}

	for _, s := range added {
		c.knownShards[s] = struct{}{}
		c.handleStartWorker(ctx, s)
	}
	for _, s := range removed {
		delete(c.knownShards, s)
		c.handleStopWorker(s)
	}
}

func (c *Controller) handleStartWorker(ctx context.Context, shardId kcl.ShardId) {
	if _, running := c.workers[shardId]; running {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := shardworker.New(shardId, c.streamName, c.table, c.workerId, c.cfg, c.streamGW, c.stateGW, c.mon, c.processor)
	entry := &workerEntry{worker: w, cancel: cancel}
	c.workers[shardId] = entry

	go w.Run(workerCtx)
	go func() {
		<-w.Done()
		cancel()
	}()
}

func (c *Controller) handleStopWorker(shardId kcl.ShardId) {
	entry, running := c.workers[shardId]
	if !running {
		return
	}
	entry.worker.Stop()
	delete(c.workers, shardId)
}

func (c *Controller) handleSetProcessor(p kcl.Processor) {
	c.processor = p
	for _, entry := range c.workers {
		entry.worker.SetProcessor(p)
	}
}

func (c *Controller) snapshot() Snapshot {
	known := make([]kcl.ShardId, 0, len(c.knownShards))
	for s := range c.knownShards {
		known = append(known, s)
	}
	active := make([]kcl.ShardId, 0, len(c.workers))
	for s := range c.workers {
		active = append(active, s)
	}
	return Snapshot{KnownShards: known, ActiveShards: active}
}

func (c *Controller) shutdownAllWorkers() {
	var wg sync.WaitGroup
	for _, entry := range c.workers {
		entry.worker.Stop()
		wg.Add(1)
		go func(e *workerEntry) {
			defer wg.Done()
			select {
			case <-e.worker.Done():
			case <-time.After(c.cfg.ShutdownGrace):
				c.log.Warnf("controller: worker did not stop within shutdown grace period")
			}
			e.cancel()
		}(entry)
	}
	wg.Wait()
	c.workers = make(map[kcl.ShardId]*workerEntry)
}
