// Package kcl is the public entry point: CreateApp wires a stream gateway,
// a state-store gateway, the process-wide registry, and the application
// controller together behind the App type.
package kcl

import (
	kclif "github.com/shardconsumer/kcl/interfaces"
)

// Re-exported so callers only need to import this package, not
// kcl/interfaces directly.
type (
	StreamName     = kclif.StreamName
	ShardId        = kclif.ShardId
	WorkerId       = kclif.WorkerId
	TableName      = kclif.TableName
	SequenceNumber = kclif.SequenceNumber
	AppName        = kclif.AppName

	IteratorPosition = kclif.IteratorPosition
	Record           = kclif.Record
	Batch            = kclif.Batch
	ShardStatus      = kclif.ShardStatus
	ErrorHandlingMode = kclif.ErrorHandlingMode

	Processor   = kclif.Processor
	Initializer = kclif.Initializer
	ShardCloser = kclif.ShardCloser
)

// RetryAndSkip and RetryAndStop construct the two ErrorHandlingMode
// variants.
func RetryAndSkip(n int) ErrorHandlingMode { return kclif.RetryAndSkip(n) }
func RetryAndStop(n int) ErrorHandlingMode { return kclif.RetryAndStop(n) }

// TrimHorizon, AtSequenceNumber, AfterSequenceNumber and ContinuationToken
// construct the four IteratorPosition variants.
func TrimHorizon() IteratorPosition                         { return kclif.TrimHorizon() }
func AtSequenceNumber(seq SequenceNumber) IteratorPosition  { return kclif.AtSequenceNumber(seq) }
func AfterSequenceNumber(seq SequenceNumber) IteratorPosition {
	return kclif.AfterSequenceNumber(seq)
}
func ContinuationToken(token string) IteratorPosition { return kclif.ContinuationToken(token) }
