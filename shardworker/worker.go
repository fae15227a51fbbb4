/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package shardworker implements the per-shard state machine: a goroutine
// that consumes two channels — a stream of fetched batches and a
// ready-to-fetch-next signal — so that the next fetch is never issued while
// a checkpoint write is outstanding.
package shardworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shardconsumer/kcl/config"
	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/metrics"
	"github.com/shardconsumer/kcl/statestore"
	"github.com/shardconsumer/kcl/stream"
)

// state is the worker's lifecycle stage.
type state int

const (
	stateInitializing state = iota
	stateRunning
	stateStopping
	stateDisposed
)

func (s state) String() string {
	switch s {
	case stateInitializing:
		return "Initializing"
	case stateRunning:
		return "Running"
	case stateStopping:
		return "Stopping"
	case stateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Worker runs the fetch/process/checkpoint loop for exactly one shard until
// it is stopped, loses ownership, or the shard reaches end-of-life.
type Worker struct {
	shardId    kcl.ShardId
	streamName kcl.StreamName
	table      kcl.TableName
	workerId   kcl.WorkerId

	cfg    *config.Configuration
	log    logger.Logger
	stream stream.Gateway
	state_ statestore.Gateway
	mon    metrics.MonitoringService

	processor   kcl.Processor
	processorMu sync.RWMutex

	mu        sync.Mutex
	lifecycle state
	stopOnce  sync.Once
	stopCh    chan struct{}
	lostCh    chan struct{}
	lostOnce  sync.Once
	doneCh    chan struct{}
}

// New creates a Worker for shardId. Call Run to start its lifecycle; Run
// blocks until the worker is disposed, so callers typically invoke it in
// its own goroutine (see controller.go).
func New(
	shardId kcl.ShardId,
	streamName kcl.StreamName,
	table kcl.TableName,
	workerId kcl.WorkerId,
	cfg *config.Configuration,
	streamGW stream.Gateway,
	stateGW statestore.Gateway,
	mon metrics.MonitoringService,
	processor kcl.Processor,
) *Worker {
	return &Worker{
		shardId:    shardId,
		streamName: streamName,
		table:      table,
		workerId:   workerId,
		cfg:        cfg,
		log:        cfg.Logger,
		stream:     streamGW,
		state_:     stateGW,
		mon:        mon,
		processor:  processor,
		stopCh:     make(chan struct{}),
		lostCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetProcessor hot-swaps the processor used for subsequent records. Takes
// effect on the next record handed to Process.
func (w *Worker) SetProcessor(p kcl.Processor) {
	w.processorMu.Lock()
	defer w.processorMu.Unlock()
	w.processor = p
}

func (w *Worker) currentProcessor() kcl.Processor {
	w.processorMu.RLock()
	defer w.processorMu.RUnlock()
	return w.processor
}

// stopRequested reports whether a graceful stop has been requested.
func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) ownershipLost() bool {
	select {
	case <-w.lostCh:
		return true
	default:
		return false
	}
}

func (w *Worker) markOwnershipLost() {
	w.lostOnce.Do(func() { close(w.lostCh) })
}

// Stop requests a graceful shutdown: the in-flight batch is allowed to
// finish and its checkpoint to persist before Run returns.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done returns a channel closed once the worker has fully disposed.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Run executes the worker's full lifecycle: Initializing -> Running ->
// Stopping -> Disposed. It returns once disposed.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.setLifecycle(stateDisposed)

	w.setLifecycle(stateInitializing)
	startPos, lastCheckpoint, ok := w.initialize(ctx)
	if !ok {
		return
	}
	w.setLifecycle(stateRunning)

	if init, isInit := w.currentProcessor().(kcl.Initializer); isInit {
		init.Initialize(w.shardId, lastCheckpoint)
	}

	token, err := w.stream.GetIterator(ctx, w.streamName, w.shardId, startPos)
	if err != nil {
		w.log.Errorf("shard %s: get initial iterator: %v", w.shardId, err)
		return
	}

	var heartbeatWG sync.WaitGroup
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		w.runHeartbeat(heartbeatCtx)
	}()
	defer func() {
		cancelHeartbeat()
		heartbeatWG.Wait()
	}()

	w.runFetchLoop(ctx, token)
	w.setLifecycle(stateStopping)
}

func (w *Worker) setLifecycle(s state) {
	w.mu.Lock()
	w.lifecycle = s
	w.mu.Unlock()
	w.log.Debugf("shard %s: lifecycle -> %s", w.shardId, s)
}

// Lifecycle returns a human-readable name for the worker's current
// lifecycle stage, for logging and diagnostics.
func (w *Worker) Lifecycle() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lifecycle.String()
}

// initialize claims or confirms ownership of the shard's state-store row,
// retrying until it succeeds, a stop is requested, or ctx is canceled.
// While another worker holds the row with a fresh heartbeat, it waits
// HeartbeatTimeout and checks again rather than giving up.
func (w *Worker) initialize(ctx context.Context) (kcl.IteratorPosition, kcl.SequenceNumber, bool) {
	backoff := w.cfg.TaskBackoffTime
	for {
		if w.stopRequested() {
			return kcl.IteratorPosition{}, "", false
		}

		createErr := w.state_.CreateShardRow(ctx, w.table, w.workerId, w.shardId, w.cfg.HeartbeatTimeout)
		if createErr != nil && !statestore.IsConditionalCheckFailed(createErr) {
			w.log.Warnf("shard %s: createShardRow: %v", w.shardId, createErr)
			if !w.sleep(ctx, backoff) {
				return kcl.IteratorPosition{}, "", false
			}
			continue
		}

		status, err := w.state_.ReadShardStatus(ctx, w.table, w.shardId, w.workerId, time.Now().UTC(), w.cfg.HeartbeatTimeout)
		if err != nil {
			if !errors.Is(err, statestore.ErrRowNotFound) {
				w.log.Warnf("shard %s: readShardStatus: %v", w.shardId, err)
			}
			if !w.sleep(ctx, backoff) {
				return kcl.IteratorPosition{}, "", false
			}
			continue
		}

		switch {
		case status.WorkerId == w.workerId && status.Kind == kcl.ShardStatusNew:
			w.mon.OwnershipGained(string(w.shardId))
			return kcl.TrimHorizon(), "", true
		case status.WorkerId == w.workerId:
			w.mon.OwnershipGained(string(w.shardId))
			return kcl.AfterSequenceNumber(status.LastCheckpoint), status.LastCheckpoint, true
		case status.Kind == kcl.ShardStatusNotProcessing:
			// Stale row: retry immediately, this loop's next createShardRow
			// attempt should win the takeover.
			continue
		default:
			// Processing(other): back off bounded by HeartbeatTimeout.
			if !w.sleep(ctx, w.cfg.HeartbeatTimeout) {
				return kcl.IteratorPosition{}, "", false
			}
		}
	}
}

// sleep waits for d or returns false early on stop/ownership-loss/context
// cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopCh:
		return false
	case <-w.lostCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.state_.UpdateHeartbeat(ctx, w.table, w.workerId, w.shardId, time.Now().UTC())
			if err == nil {
				continue
			}
			if statestore.IsConditionalCheckFailed(err) {
				w.log.Warnf("shard %s: ownership lost (heartbeat)", w.shardId)
				w.mon.OwnershipLost(string(w.shardId))
				w.mon.DeleteMetricMillisBehindLatest(string(w.shardId))
				w.markOwnershipLost()
				return
			}
			w.log.Warnf("shard %s: updateHeartbeat: %v (will retry next tick)", w.shardId, err)
		}
	}
}
