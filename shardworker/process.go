package shardworker

import (
	"context"
	"fmt"
	"time"

	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/statestore"
)

// fetchResult is what the fetch goroutine hands back to the main loop.
type fetchResult struct {
	batch    kcl.Batch
	err      error
	duration time.Duration
}

// runFetchLoop drives the fetch/process/checkpoint cycle. The fetch
// goroutine only issues GetRecords after receiving a token on readyCh; the
// main loop only sends that token once the prior batch's checkpoint has
// persisted (or the batch was empty and its delay elapsed). Two goroutines
// handshake over channels rather than composing an observable stream.
func (w *Worker) runFetchLoop(ctx context.Context, initialToken string) {
	readyCh := make(chan string, 1)
	batchCh := make(chan fetchResult)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	go w.fetchWorker(fetchCtx, readyCh, batchCh)

	readyCh <- initialToken
	currentToken := initialToken

	for {
		select {
		case <-w.lostCh:
			return
		case <-ctx.Done():
			return
		case res := <-batchCh:
			nextToken, keepGoing := w.handleFetchResult(ctx, currentToken, res)
			if !keepGoing {
				return
			}
			currentToken = nextToken
			if w.ownershipLost() {
				return
			}
			if w.stopRequested() {
				return
			}
			select {
			case readyCh <- nextToken:
			case <-ctx.Done():
				return
			case <-w.lostCh:
				return
			}
		}
	}
}

func (w *Worker) fetchWorker(ctx context.Context, readyCh <-chan string, batchCh chan<- fetchResult) {
	for {
		var token string
		select {
		case token = <-readyCh:
		case <-ctx.Done():
			return
		}

		fetchStart := time.Now()
		batch, err := w.stream.GetRecords(ctx, token, w.cfg.MaxRecordsPerFetch)
		elapsed := time.Since(fetchStart)
		select {
		case batchCh <- fetchResult{batch: batch, err: err, duration: elapsed}:
		case <-ctx.Done():
			return
		}
	}
}

// handleFetchResult processes one batch end to end and returns the token to
// use for the next fetch plus whether the loop should continue.
func (w *Worker) handleFetchResult(ctx context.Context, token string, res fetchResult) (string, bool) {
	if res.err != nil {
		w.log.Warnf("shard %s: getRecords: %v", w.shardId, res.err)
		// Transient fetch errors are already retried inside the gateway up
		// to MaxStreamRetries; surfacing here means the budget is
		// exhausted. Back off and retry with the same token.
		if !w.sleep(ctx, w.cfg.TaskBackoffTime) {
			return "", false
		}
		return token, true
	}

	batch := res.batch
	w.mon.RecordGetRecordsTime(string(w.shardId), float64(res.duration.Milliseconds()))

	if len(batch.Records) == 0 {
		if !w.sleep(ctx, w.cfg.EmptyReceiveDelay) {
			return "", false
		}
		if batch.NextToken == nil {
			w.closeShard()
			return "", false
		}
		return *batch.NextToken, true
	}

	processStart := time.Now()
	results, stoppedAt, stopErr := w.processBatch(batch.Records)

	var lastSuccess kcl.SequenceNumber
	if len(results) > 0 {
		lastSuccess = results[len(results)-1].SequenceNumber
	}

	if stoppedAt >= 0 {
		if stoppedAt == 0 {
			// RetryAndStop(0) on the very first record of a batch leaves the
			// checkpoint unchanged; re-fetch the same batch start.
			w.log.Warnf("shard %s: stopped at first record, re-fetching same batch: %v", w.shardId, stopErr)
			if !w.sleep(ctx, w.cfg.TaskBackoffTime) {
				return "", false
			}
			return token, true
		}

		seq := batch.Records[stoppedAt-1].SequenceNumber
		if !w.persistCheckpoint(ctx, seq) {
			return "", false
		}
		w.log.Warnf("shard %s: batch abandoned at record %d (seq after %q): %v", w.shardId, stoppedAt, seq, stopErr)
		return w.reiterateAtSequence(ctx, seq)
	}

	if lastSuccess != "" {
		if !w.persistCheckpoint(ctx, lastSuccess) {
			return "", false
		}
	}

	w.mon.RecordProcessRecordsTime(string(w.shardId), float64(time.Since(processStart).Milliseconds()))
	w.mon.IncrRecordsProcessed(string(w.shardId), len(batch.Records))

	if batch.NextToken == nil {
		w.closeShard()
		return "", false
	}
	return *batch.NextToken, true
}

// reiterateAtSequence retries GetIterator until it succeeds or the worker
// must stop; a failure here must not silently hand the fetch loop a bad
// token.
func (w *Worker) reiterateAtSequence(ctx context.Context, seq kcl.SequenceNumber) (string, bool) {
	for {
		tok, err := w.stream.GetIterator(ctx, w.streamName, w.shardId, kcl.AtSequenceNumber(seq))
		if err == nil {
			return tok, true
		}
		w.log.Errorf("shard %s: re-iterate at %q: %v", w.shardId, seq, err)
		if !w.sleep(ctx, w.cfg.TaskBackoffTime) {
			return "", false
		}
	}
}

func (w *Worker) closeShard() {
	w.log.Infof("shard %s: closed upstream, exiting", w.shardId)
	if closer, ok := w.currentProcessor().(kcl.ShardCloser); ok {
		closer.OnShardClosed(w.shardId)
	}
}

// processBatch drives every record in the batch through the current
// processor, in order, and returns one ProcessResult per record that
// resolved (outright success, or RetryAndSkip exhaustion treated as
// success for checkpoint purposes). If a RetryAndStop fires, results holds
// every record before it, stoppedAt is that record's zero-based index
// (-1 if nothing stopped the batch), and stopErr is the error that
// triggered it.
func (w *Worker) processBatch(records []kcl.Record) (results []kcl.ProcessResult, stoppedAt int, stopErr error) {
	stoppedAt = -1

	for i, record := range records {
		processor := w.currentProcessor()
		err, panicked := w.callProcess(processor, record)
		if err == nil {
			results = append(results, kcl.ProcessResult{Success: true, SequenceNumber: record.SequenceNumber})
			continue
		}

		// A panicking Process is forced straight to a RetryAndStop(0)-style
		// failure rather than consulted through GetErrorHandlingMode — the
		// processor is already misbehaving, so calling back into it to ask
		// for a policy risks a second panic.
		var mode kcl.ErrorHandlingMode
		if panicked {
			mode = kcl.RetryAndStop(0)
		} else {
			mode = processor.GetErrorHandlingMode(record, err)
			for attempt := 0; attempt < mode.AdditionalTries(); attempt++ {
				var retryPanicked bool
				err, retryPanicked = w.callProcess(processor, record)
				if err == nil {
					break
				}
				if retryPanicked {
					mode = kcl.RetryAndStop(0)
					break
				}
			}
			if err == nil {
				results = append(results, kcl.ProcessResult{Success: true, SequenceNumber: record.SequenceNumber})
				continue
			}
		}

		w.invokeOnMaxRetryExceeded(processor, record, mode)

		if mode.ShouldStop() {
			stoppedAt = i
			stopErr = err
			return results, stoppedAt, stopErr
		}
		// RetryAndSkip: treat as success for checkpoint purposes, but keep
		// the triggering error on the result for callers that inspect it.
		results = append(results, kcl.ProcessResult{Success: true, SequenceNumber: record.SequenceNumber, Err: err})
	}

	return results, stoppedAt, stopErr
}

// callProcess invokes processor.Process with panic recovery so a misbehaving
// processor cannot crash the whole program. panicked tells the caller to
// force a RetryAndStop(0)-style failure instead of consulting
// GetErrorHandlingMode, which could panic again on the same processor.
func (w *Worker) callProcess(processor kcl.Processor, record kcl.Record) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("shard %s: process panicked for record %q: %v", w.shardId, record.SequenceNumber, r)
			err = fmt.Errorf("process panicked: %v", r)
			panicked = true
		}
	}()
	return processor.Process(record), false
}

func (w *Worker) invokeOnMaxRetryExceeded(processor kcl.Processor, record kcl.Record, mode kcl.ErrorHandlingMode) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("shard %s: onMaxRetryExceeded panicked for record %q: %v", w.shardId, record.SequenceNumber, r)
		}
	}()
	processor.OnMaxRetryExceeded(record, mode)
}

// persistCheckpoint retries the checkpoint write with 1-second spacing until
// success, ConditionalCheckFailed (ownership lost), or the worker is
// disposed. Returns false if the worker should stop.
func (w *Worker) persistCheckpoint(ctx context.Context, seq kcl.SequenceNumber) bool {
	for {
		err := w.state_.UpdateCheckpoint(ctx, w.table, w.workerId, w.shardId, seq, time.Now().UTC())
		if err == nil {
			w.mon.CheckpointSaved(string(w.shardId))
			return true
		}
		if statestore.IsConditionalCheckFailed(err) {
			w.log.Warnf("shard %s: ownership lost (checkpoint)", w.shardId)
			w.mon.OwnershipLost(string(w.shardId))
			w.markOwnershipLost()
			return false
		}
		w.log.Warnf("shard %s: updateCheckpoint(%q): %v, retrying", w.shardId, seq, err)
		if !w.sleep(ctx, time.Second) {
			return false
		}
	}
}
