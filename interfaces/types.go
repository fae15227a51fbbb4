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

// Package interfaces defines the data model and the user-facing Processor
// capability set. Applications implement Processor and hand it to
// kcl.CreateApp; the library drives it through the fetch/process/checkpoint
// loop of kcl/shardworker.
package interfaces

import "fmt"

// StreamName, ShardId, WorkerId, TableName, SequenceNumber and AppName are
// opaque tagged strings: equality is string equality, no other operations
// are defined on them. Tagging them as distinct types
// rather than passing bare strings around catches a whole class of
// argument-order bugs at compile time.
type (
	StreamName     string
	ShardId        string
	WorkerId       string
	TableName      string
	SequenceNumber string
	AppName        string
)

// IteratorPosition tags where a shard iterator should start. Exactly one of
// the constructors below should be used; the zero value is not a valid
// position.
type IteratorPosition struct {
	kind              iteratorKind
	sequenceNumber    SequenceNumber
	continuationToken string
}

type iteratorKind int

const (
	iteratorKindTrimHorizon iteratorKind = iota + 1
	iteratorKindAtSequenceNumber
	iteratorKindAfterSequenceNumber
	iteratorKindContinuationToken
)

// TrimHorizon positions an iterator at the oldest available record.
func TrimHorizon() IteratorPosition {
	return IteratorPosition{kind: iteratorKindTrimHorizon}
}

// AtSequenceNumber positions an iterator at the record with the given
// sequence number.
func AtSequenceNumber(seq SequenceNumber) IteratorPosition {
	return IteratorPosition{kind: iteratorKindAtSequenceNumber, sequenceNumber: seq}
}

// AfterSequenceNumber positions an iterator just after the record with the
// given sequence number.
func AfterSequenceNumber(seq SequenceNumber) IteratorPosition {
	return IteratorPosition{kind: iteratorKindAfterSequenceNumber, sequenceNumber: seq}
}

// ContinuationToken positions an iterator at a token previously returned by
// the stream gateway.
func ContinuationToken(token string) IteratorPosition {
	return IteratorPosition{kind: iteratorKindContinuationToken, continuationToken: token}
}

// IsTrimHorizon, SequenceNumber and Token let the stream gateway dispatch on
// the position without exposing the kind enum.
func (p IteratorPosition) IsTrimHorizon() bool { return p.kind == iteratorKindTrimHorizon }
func (p IteratorPosition) IsAtSequenceNumber() bool {
	return p.kind == iteratorKindAtSequenceNumber
}
func (p IteratorPosition) IsAfterSequenceNumber() bool {
	return p.kind == iteratorKindAfterSequenceNumber
}
func (p IteratorPosition) IsContinuationToken() bool {
	return p.kind == iteratorKindContinuationToken
}
func (p IteratorPosition) SequenceNumber() SequenceNumber { return p.sequenceNumber }
func (p IteratorPosition) Token() string                  { return p.continuationToken }

func (p IteratorPosition) String() string {
	switch p.kind {
	case iteratorKindTrimHorizon:
		return "TRIM_HORIZON"
	case iteratorKindAtSequenceNumber:
		return fmt.Sprintf("AT_SEQUENCE_NUMBER(%s)", p.sequenceNumber)
	case iteratorKindAfterSequenceNumber:
		return fmt.Sprintf("AFTER_SEQUENCE_NUMBER(%s)", p.sequenceNumber)
	case iteratorKindContinuationToken:
		return fmt.Sprintf("CONTINUATION_TOKEN(%s)", p.continuationToken)
	default:
		return "UNSET"
	}
}

// Record is one immutable record read from a shard. Ordering within a shard
// is ascending SequenceNumber.
type Record struct {
	PartitionKey   string
	SequenceNumber SequenceNumber
	Data           []byte
}

// Batch is an ordered sequence of records plus the token to continue
// fetching from. A nil NextToken means the shard is closed (end of life
// after a split/merge): no further GetRecords call should be issued.
type Batch struct {
	Records   []Record
	NextToken *string
}

// ShardStatusKind tags the ShardStatus variant returned by the state store.
type ShardStatusKind int

const (
	ShardStatusNew ShardStatusKind = iota + 1
	ShardStatusProcessing
	ShardStatusNotProcessing
)

// ShardStatus classifies a shard's state-store row as returned by the
// state-store gateway's ReadShardStatus.
type ShardStatus struct {
	Kind          ShardStatusKind
	WorkerId      WorkerId
	CreatedAt     *string // RFC3339, only meaningful for ShardStatusNew
	HeartbeatAt   *string // RFC3339, only meaningful for ShardStatusNotProcessing
	LastCheckpoint SequenceNumber
}

// ProcessResult is the outcome of driving one record through a Processor,
// including any retries: Success reflects whether the record counts toward
// the next checkpoint (true for an outright success or a RetryAndSkip
// exhaustion). The shard worker emits no ProcessResult for a record at
// which a RetryAndStop abandoned the batch; it reports that record
// separately. Err is the last error Process returned, if any.
type ProcessResult struct {
	Success        bool
	SequenceNumber SequenceNumber
	Err            error
}

// ErrorHandlingMode is RetryAndSkip(n) or RetryAndStop(n), n >= 0.
type ErrorHandlingMode struct {
	stop           bool
	additionalTries int
}

// RetryAndSkip retries the failing record up to n additional times; if it
// is still failing after that, it is treated as successful for checkpoint
// purposes and processing continues with the next record.
func RetryAndSkip(n int) ErrorHandlingMode {
	if n < 0 {
		n = 0
	}
	return ErrorHandlingMode{stop: false, additionalTries: n}
}

// RetryAndStop retries the failing record up to n additional times; if it
// is still failing after that, the batch is abandoned at this record and
// re-fetched on the next cycle.
func RetryAndStop(n int) ErrorHandlingMode {
	if n < 0 {
		n = 0
	}
	return ErrorHandlingMode{stop: true, additionalTries: n}
}

func (m ErrorHandlingMode) ShouldStop() bool       { return m.stop }
func (m ErrorHandlingMode) AdditionalTries() int   { return m.additionalTries }

// Processor is the user-supplied record-handling capability set. An
// application implements it and registers it with an App; the library
// drives every shard's records through it in order.
type Processor interface {
	// Process handles a single record. A returned error triggers
	// GetErrorHandlingMode to decide whether to retry, skip, or stop.
	Process(record Record) error

	// GetErrorHandlingMode is consulted after Process returns an error. It
	// is called once per failing record, with the first attempt's error;
	// the retries it grants do not consult it again. It may inspect both
	// the record and the error to decide the policy.
	GetErrorHandlingMode(record Record, err error) ErrorHandlingMode

	// OnMaxRetryExceeded is invoked after the retry budget for a failing
	// record is exhausted. Panics and errors from this callback are
	// swallowed and logged — it must not be able to crash the worker.
	OnMaxRetryExceeded(record Record, mode ErrorHandlingMode)
}

// Initializer is an optional interface a Processor may implement to be
// notified when a shard worker is about to start delivering records to it.
// This is additive texture drawn from the KCL lineage's Initialize/Shutdown
// lifecycle; a Processor that does not implement it is simply never
// notified and behaves exactly as the bare Processor interface.
type Initializer interface {
	Initialize(shardId ShardId, lastCheckpoint SequenceNumber)
}

// ShardCloser is an optional interface a Processor may implement to be
// notified when its shard has reached end-of-life (the stream gateway
// returned a nil NextToken after the final batch was drained).
type ShardCloser interface {
	OnShardClosed(shardId ShardId)
}
