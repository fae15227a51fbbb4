package statestore

import (
	"context"
	"sync"
	"time"

	kcl "github.com/shardconsumer/kcl/interfaces"
)

// fakeRow is one shard's row in Fake.
type fakeRow struct {
	workerId      kcl.WorkerId
	lastHeartbeat time.Time
	lastCheckpoint kcl.SequenceNumber
}

// Fake is a deterministic, in-memory Gateway used by shardworker and
// controller tests: a hand-rolled fake rather than a generated mock.
type Fake struct {
	mu   sync.Mutex
	rows map[kcl.ShardId]*fakeRow

	// Checkpoints records every value UpdateCheckpoint accepted, in call
	// order, per shard — used to assert that checkpoints only ever advance.
	// Calls rejected with ConditionalCheckFailed are not recorded.
	Checkpoints map[kcl.ShardId][]kcl.SequenceNumber

	// FailHeartbeatFor, when non-empty, makes UpdateHeartbeat for that shard
	// return ConditionalCheckFailed regardless of ownership, to simulate
	// ownership loss deterministically (scenario S4).
	FailHeartbeatFor map[kcl.ShardId]bool
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		rows:             make(map[kcl.ShardId]*fakeRow),
		Checkpoints:      make(map[kcl.ShardId][]kcl.SequenceNumber),
		FailHeartbeatFor: make(map[kcl.ShardId]bool),
	}
}

// SeedRow pre-populates a row, e.g. to exercise resume-from-checkpoint
// (scenario S6).
func (f *Fake) SeedRow(shardId kcl.ShardId, workerId kcl.WorkerId, lastHeartbeat time.Time, lastCheckpoint kcl.SequenceNumber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[shardId] = &fakeRow{workerId: workerId, lastHeartbeat: lastHeartbeat, lastCheckpoint: lastCheckpoint}
}

func (f *Fake) EnsureTable(_ context.Context, appName kcl.AppName, _, _ int64, suffix string) (kcl.TableName, error) {
	return kcl.TableName(string(appName) + suffix), nil
}

func (f *Fake) CreateShardRow(_ context.Context, _ kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, heartbeatTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	row, exists := f.rows[shardId]
	if !exists {
		f.rows[shardId] = &fakeRow{workerId: workerId, lastHeartbeat: now}
		return nil
	}
	if now.Sub(row.lastHeartbeat) < heartbeatTimeout {
		return &ConditionalCheckFailed{ShardId: shardId, Reason: "row already owned by a live worker"}
	}
	row.workerId = workerId
	row.lastHeartbeat = now
	return nil
}

func (f *Fake) ReadShardStatus(_ context.Context, _ kcl.TableName, shardId kcl.ShardId, workerId kcl.WorkerId, now time.Time, heartbeatTimeout time.Duration) (kcl.ShardStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	row, ok := f.rows[shardId]
	if !ok {
		return kcl.ShardStatus{}, ErrRowNotFound
	}

	status := kcl.ShardStatus{WorkerId: row.workerId, LastCheckpoint: row.lastCheckpoint}
	fresh := now.Sub(row.lastHeartbeat) < heartbeatTimeout
	switch {
	case row.lastCheckpoint == "" && row.workerId == workerId:
		status.Kind = kcl.ShardStatusNew
	case fresh:
		status.Kind = kcl.ShardStatusProcessing
	default:
		status.Kind = kcl.ShardStatusNotProcessing
	}
	return status, nil
}

func (f *Fake) UpdateHeartbeat(_ context.Context, _ kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailHeartbeatFor[shardId] {
		return &ConditionalCheckFailed{ShardId: shardId, Reason: "simulated ownership loss"}
	}

	row, ok := f.rows[shardId]
	if !ok || row.workerId != workerId {
		return &ConditionalCheckFailed{ShardId: shardId, Reason: "no longer the owner"}
	}
	row.lastHeartbeat = now
	return nil
}

func (f *Fake) UpdateCheckpoint(_ context.Context, _ kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, seq kcl.SequenceNumber, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	row, ok := f.rows[shardId]
	if !ok || row.workerId != workerId {
		return &ConditionalCheckFailed{ShardId: shardId, Reason: "no longer the owner"}
	}
	row.lastCheckpoint = seq
	row.lastHeartbeat = now
	f.Checkpoints[shardId] = append(f.Checkpoints[shardId], seq)
	return nil
}

var _ Gateway = (*Fake)(nil)
