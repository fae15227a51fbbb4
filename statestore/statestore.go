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

// Package statestore defines the state-store gateway: a thin semantic
// wrapper over an external key/value store used to persist per-shard
// ownership, heartbeats, and checkpoints. Concrete backends live in
// subpackages (dynamo, redisstore); shardworker and controller depend only
// on the Gateway interface here.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	kcl "github.com/shardconsumer/kcl/interfaces"
)

// ConditionalCheckFailed is returned by Gateway methods whose conditional
// update did not apply because the caller no longer (or never) owned the
// row. This is never retried — the caller must concede ownership.
type ConditionalCheckFailed struct {
	ShardId kcl.ShardId
	Reason  string
}

func (e *ConditionalCheckFailed) Error() string {
	return fmt.Sprintf("conditional check failed for shard %s: %s", e.ShardId, e.Reason)
}

// IsConditionalCheckFailed reports whether err is (or wraps) a
// ConditionalCheckFailed.
func IsConditionalCheckFailed(err error) bool {
	var cf *ConditionalCheckFailed
	return errors.As(err, &cf)
}

// ErrRowNotFound is returned by Gateway.ReadShardStatus when the shard has
// no row yet (see Gateway.ReadShardStatus doc); check it with errors.Is.
var ErrRowNotFound = errors.New("state store row not found")

// Gateway is the state-store gateway interface, implemented per backend.
type Gateway interface {
	// EnsureTable creates or discovers the application's state table.
	// Idempotent; blocks until the table is active or returns a terminal
	// error. The table's hash key is ShardId.
	EnsureTable(ctx context.Context, appName kcl.AppName, readCap, writeCap int64, suffix string) (kcl.TableName, error)

	// CreateShardRow creates the shard's row, conditional on the row not
	// existing or its LastHeartbeat being older than heartbeatTimeout. On
	// success the caller becomes owner. Returns *ConditionalCheckFailed if
	// another worker already owns the row within its heartbeat timeout.
	CreateShardRow(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, heartbeatTimeout time.Duration) error

	// ReadShardStatus classifies the shard's row. If the row is missing,
	// returns ErrRowNotFound (the caller must then call
	// CreateShardRow). Otherwise returns a ShardStatus with Kind set to
	// ShardStatusProcessing (heartbeat fresh) or ShardStatusNotProcessing
	// (heartbeat stale), and ShardStatusNew instead of Processing when the
	// row has no checkpoint yet and its owner is the given workerId.
	ReadShardStatus(ctx context.Context, table kcl.TableName, shardId kcl.ShardId, workerId kcl.WorkerId, now time.Time, heartbeatTimeout time.Duration) (kcl.ShardStatus, error)

	// UpdateHeartbeat refreshes the row's heartbeat timestamp, conditional
	// on the row's current owner being workerId.
	UpdateHeartbeat(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, now time.Time) error

	// UpdateCheckpoint persists seq as the row's checkpoint and refreshes
	// its heartbeat, conditional on the row's current owner being workerId.
	UpdateCheckpoint(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, seq kcl.SequenceNumber, now time.Time) error
}
